package server

import (
	"context"

	"github.com/collabhub/broker/internal/v1/db"
	"github.com/collabhub/broker/internal/v1/rpc"
	"github.com/collabhub/broker/internal/v1/store"
)

func handleRequestContact(ctx context.Context, s *Server, conn store.ConnectionID, env rpc.Envelope) (any, error) {
	var p RequestContactPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	requester, err := s.Store.UserIDForConnection(conn)
	if err != nil {
		return nil, err
	}
	requesterConns, recipientConns, err := s.Store.RequestContact(requester, p.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.Db.RequestContact(ctx, uint64(requester), uint64(p.UserID)); err != nil {
		return nil, err
	}
	notifyContacts(s, requester, requesterConns)
	notifyContacts(s, p.UserID, recipientConns)
	return AckPayload{}, nil
}

func handleRespondToContactRequest(ctx context.Context, s *Server, conn store.ConnectionID, env rpc.Envelope) (any, error) {
	var p RespondToContactRequestPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	responder, err := s.Store.UserIDForConnection(conn)
	if err != nil {
		return nil, err
	}

	// Dismiss only silences the notification banner; the request itself
	// stays pending, so neither the in-memory Store nor the other side's
	// contact list changes.
	if p.Action == ContactResponseDismiss {
		if err := s.Db.DismissContactNotification(ctx, uint64(responder), uint64(p.UserID)); err != nil {
			return nil, err
		}
		return AckPayload{}, nil
	}

	accept := p.Action == ContactResponseAccept
	responderConns, requesterConns, err := s.Store.RespondToContactRequest(responder, p.UserID, accept)
	if err != nil {
		return nil, err
	}
	if err := s.Db.RespondToContactRequest(ctx, uint64(responder), uint64(p.UserID), accept); err != nil {
		return nil, err
	}
	notifyContacts(s, responder, responderConns)
	notifyContacts(s, p.UserID, requesterConns)
	return AckPayload{}, nil
}

func handleRemoveContact(ctx context.Context, s *Server, conn store.ConnectionID, env rpc.Envelope) (any, error) {
	var p RemoveContactPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	user, err := s.Store.UserIDForConnection(conn)
	if err != nil {
		return nil, err
	}
	userConns, otherConns, err := s.Store.RemoveContact(user, p.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.Db.RemoveContact(ctx, uint64(user), uint64(p.UserID)); err != nil {
		return nil, err
	}
	notifyContacts(s, user, userConns)
	notifyContacts(s, p.UserID, otherConns)
	return AckPayload{}, nil
}

func notifyContacts(s *Server, user store.UserID, conns []store.ConnectionID) {
	contacts := s.Store.ContactsForUser(user)
	payload := UpdateContactsPayload{Contacts: toContactInfos(user, contacts)}
	for _, cid := range conns {
		_ = s.Peer.Send(cid, rpc.TypeUpdateContacts, payload)
	}
}

// InviteCodeRedeemed pushes UpdateContacts to inviter and invitee so both
// sides' contact lists reflect the new relationship immediately, without
// either side reconnecting. Called by whatever out-of-band sign-up flow
// redeems an invite code against the durable store (outside this package;
// account creation itself is not a module this broker implements).
func (s *Server) InviteCodeRedeemed(inviter, invitee store.UserID) {
	for _, cid := range s.Store.ConnectionIDsForUser(inviter) {
		notifyContacts(s, inviter, []store.ConnectionID{cid})
	}
	for _, cid := range s.Store.ConnectionIDsForUser(invitee) {
		notifyContacts(s, invitee, []store.ConnectionID{cid})
	}
}

// InviteCountUpdated pushes UpdateInviteInfo to every live connection of
// user after their remaining invite count changes (e.g. an invite they
// sent was redeemed).
func (s *Server) InviteCountUpdated(user store.UserID, code string, count int) {
	payload := UpdateInviteInfoPayload{Code: code, Count: count}
	for _, cid := range s.Store.ConnectionIDsForUser(user) {
		_ = s.Peer.Send(cid, rpc.TypeUpdateInviteInfo, payload)
	}
}

func handleGetUsers(ctx context.Context, s *Server, conn store.ConnectionID, env rpc.Envelope) (any, error) {
	var p GetUsersPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	resp := GetUsersResponse{}
	for _, uid := range p.UserIDs {
		u, err := s.Db.GetUser(ctx, uint64(uid))
		if err != nil || u == nil {
			continue
		}
		resp.Users = append(resp.Users, toUserInfo(u))
	}
	return resp, nil
}

func handleFuzzySearchUsers(ctx context.Context, s *Server, conn store.ConnectionID, env rpc.Envelope) (any, error) {
	var p FuzzySearchUsersPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	users, err := s.Db.FuzzySearchUsers(ctx, p.Query, 25)
	if err != nil {
		return nil, err
	}
	resp := GetUsersResponse{}
	for _, u := range users {
		resp.Users = append(resp.Users, toUserInfo(u))
	}
	return resp, nil
}

// toUserInfo synthesizes the avatar URL from the account's GitHub login the
// same way the user directory this broker replaces does, rather than
// storing a separate avatar field.
func toUserInfo(u *db.User) UserInfo {
	return UserInfo{
		UserID:      store.UserID(u.ID),
		GithubLogin: u.GithubLogin,
		AvatarURL:   "https://github.com/" + u.GithubLogin + ".png?size=128",
	}
}

func handleGetPrivateUserInfo(ctx context.Context, s *Server, conn store.ConnectionID, env rpc.Envelope) (any, error) {
	uid, err := s.Store.UserIDForConnection(conn)
	if err != nil {
		return nil, err
	}
	user, err := s.Store.User(uid)
	if err != nil {
		return nil, err
	}
	return GetPrivateUserInfoResponse{
		UserID:      uid,
		GithubLogin: user.GithubLogin,
		InviteCode:  user.InviteCode,
		InviteCount: user.InviteCount,
	}, nil
}
