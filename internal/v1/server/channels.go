package server

import (
	"context"
	"strings"

	"github.com/collabhub/broker/internal/v1/db"
	"github.com/collabhub/broker/internal/v1/rpc"
	"github.com/collabhub/broker/internal/v1/store"
)

func handleGetChannels(ctx context.Context, s *Server, conn store.ConnectionID, env rpc.Envelope) (any, error) {
	uid, err := s.Store.UserIDForConnection(conn)
	if err != nil {
		return nil, err
	}
	channels, err := s.Db.GetChannels(ctx, uint64(uid))
	if err != nil {
		return nil, err
	}
	resp := GetChannelsResponse{}
	for _, c := range channels {
		resp.Channels = append(resp.Channels, ChannelInfo{ChannelID: store.ChannelID(c.ID), Name: c.Name})
	}
	return resp, nil
}

// handleJoinChannel subscribes the connection's user to the channel and
// replies with the most recent page of history, per §4.7's
// MESSAGE_COUNT_PER_PAGE = 100 page size.
func handleJoinChannel(ctx context.Context, s *Server, conn store.ConnectionID, env rpc.Envelope) (any, error) {
	var p JoinChannelPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	uid, err := s.Store.UserIDForConnection(conn)
	if err != nil {
		return nil, err
	}

	canAccess, err := s.Db.CanUserAccessChannel(ctx, uint64(uid), uint64(p.ChannelID))
	if err != nil {
		return nil, err
	}
	if !canAccess {
		return nil, store.ErrPermissionDenied
	}

	messages, err := s.Db.GetChannelMessages(ctx, uint64(p.ChannelID), 0, MessageCountPerPage)
	if err != nil {
		return nil, err
	}
	s.Store.JoinChannel(p.ChannelID, uid)

	return JoinChannelResponse{
		Messages: toChannelMessageInfos(messages),
		Done:     len(messages) < MessageCountPerPage,
	}, nil
}

// handleLeaveChannel is a message: the client is already dropping its local
// subscription.
func handleLeaveChannel(ctx context.Context, s *Server, conn store.ConnectionID, env rpc.Envelope) (any, error) {
	var p LeaveChannelPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	uid, err := s.Store.UserIDForConnection(conn)
	if err != nil {
		return nil, err
	}
	s.Store.LeaveChannel(p.ChannelID, uid)
	return nil, nil
}

func handleSendChannelMessage(ctx context.Context, s *Server, conn store.ConnectionID, env rpc.Envelope) (any, error) {
	var p SendChannelMessagePayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}

	body := strings.TrimSpace(p.Body)
	if len(body) == 0 || len(body) > MaxChannelMessageLen {
		return nil, store.ErrInvalidArgument
	}
	if p.Nonce == "" {
		return nil, store.ErrInvalidArgument
	}

	uid, err := s.Store.UserIDForConnection(conn)
	if err != nil {
		return nil, err
	}
	if !s.Store.IsChannelMember(p.ChannelID, uid) {
		return nil, store.ErrPermissionDenied
	}

	msg, err := s.Db.CreateChannelMessage(ctx, uint64(p.ChannelID), uint64(uid), body, p.Nonce)
	if err != nil {
		return nil, err
	}
	info := toChannelMessageInfo(*msg)

	targets := s.Store.ChannelConnectionIDs(p.ChannelID)
	s.Peer.Broadcast(targets, conn, rpc.TypeChannelMessageSent, ChannelMessageSentPayload{Message: info}, logBroadcastErr(ctx))

	return SendChannelMessageResponse{Message: info}, nil
}

func handleGetChannelMessages(ctx context.Context, s *Server, conn store.ConnectionID, env rpc.Envelope) (any, error) {
	var p GetChannelMessagesPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	uid, err := s.Store.UserIDForConnection(conn)
	if err != nil {
		return nil, err
	}
	if !s.Store.IsChannelMember(p.ChannelID, uid) {
		return nil, store.ErrPermissionDenied
	}

	messages, err := s.Db.GetChannelMessages(ctx, uint64(p.ChannelID), uint64(p.BeforeMessageID), MessageCountPerPage)
	if err != nil {
		return nil, err
	}
	return GetChannelMessagesResponse{
		Messages: toChannelMessageInfos(messages),
		Done:     len(messages) < MessageCountPerPage,
	}, nil
}

func toChannelMessageInfo(m db.ChannelMessage) ChannelMessageInfo {
	return ChannelMessageInfo{
		ID:        store.ChannelMessageID(m.ID),
		ChannelID: store.ChannelID(m.ChannelID),
		SenderID:  store.UserID(m.SenderID),
		Body:      m.Body,
		SentAt:    m.SentAt,
	}
}

func toChannelMessageInfos(messages []db.ChannelMessage) []ChannelMessageInfo {
	out := make([]ChannelMessageInfo, 0, len(messages))
	for _, m := range messages {
		out = append(out, toChannelMessageInfo(m))
	}
	return out
}
