package userbot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"tg_group_market_bot/internal/lifecycle"
	"tg_group_market_bot/internal/logging"
)

var now = time.Now

// JoinGroup joins the group behind an invite link as identity and describes it.
func (c *Client) JoinGroup(ctx context.Context, identity, link string) (lifecycle.GroupInfo, error) {
	hash, ok := lifecycle.InviteHash(link)
	if !ok {
		return lifecycle.GroupInfo{}, lifecycle.ErrInviteInvalid
	}

	var info lifecycle.GroupInfo
	err := c.withSession(ctx, identity, func(ctx context.Context, client *telegram.Client) error {
		if err := ensureAuthorized(ctx, client); err != nil {
			return err
		}
		api := client.API()

		chat, err := joinChat(ctx, api, hash)
		if err != nil {
			return err
		}

		info, err = describeChat(chat, now())
		if err != nil {
			return err
		}

		if info.IsChannel {
			created, err := channelCreated(ctx, api.MessagesGetHistory, info.GroupRef)
			if err != nil {
				c.logger.WithError(err).WithFields(logging.Fields{
					"event":    "userbot_group_age_fallback",
					"identity": identity,
					"group_id": info.ID,
				}).Warn("could not load first message; using channel date")
			} else {
				info.AgeDays = ageDays(created, now())
			}
		}

		if info.MemberCount == 0 && info.IsChannel {
			if count, err := channelMembers(ctx, api, info.GroupRef); err == nil {
				info.MemberCount = count
			}
		}

		count, err := historyCount(ctx, api, info.GroupRef)
		if err != nil {
			return fmt.Errorf("count messages: %w", err)
		}
		info.MessageCount = count
		return nil
	})
	if err != nil {
		return lifecycle.GroupInfo{}, err
	}

	c.logger.WithFields(logging.Fields{
		"event":    "userbot_group_joined",
		"identity": identity,
		"group_id": info.ID,
		"messages": info.MessageCount,
	}).Debug("joined group")
	return info, nil
}

func joinChat(ctx context.Context, api *tg.Client, hash string) (tg.ChatClass, error) {
	updates, err := api.MessagesImportChatInvite(ctx, hash)
	if err == nil {
		if chat := firstChat(updates); chat != nil {
			return chat, nil
		}
		return nil, errors.New("join returned no chat")
	}

	if !tgerr.Is(err, "USER_ALREADY_PARTICIPANT") {
		return nil, mapJoinError(err)
	}

	invite, err := api.MessagesCheckChatInvite(ctx, hash)
	if err != nil {
		return nil, mapJoinError(err)
	}
	already, ok := invite.(*tg.ChatInviteAlready)
	if !ok {
		return nil, fmt.Errorf("unexpected invite state %T", invite)
	}
	return already.Chat, nil
}

// mapJoinError turns Telegram RPC errors into lifecycle join errors.
func mapJoinError(err error) error {
	switch {
	case tgerr.Is(err, "INVITE_HASH_EXPIRED"):
		return fmt.Errorf("%w: %v", lifecycle.ErrInviteExpired, err)
	case tgerr.Is(err, "INVITE_HASH_INVALID", "INVITE_HASH_EMPTY"):
		return fmt.Errorf("%w: %v", lifecycle.ErrInviteInvalid, err)
	case tgerr.Is(err, "INVITE_REQUEST_SENT"):
		return fmt.Errorf("%w: %v", lifecycle.ErrJoinRequest, err)
	}
	return fmt.Errorf("import invite: %w", err)
}

func firstChat(updates tg.UpdatesClass) tg.ChatClass {
	var chats []tg.ChatClass
	switch u := updates.(type) {
	case *tg.Updates:
		chats = u.Chats
	case *tg.UpdatesCombined:
		chats = u.Chats
	}
	for _, chat := range chats {
		switch chat.(type) {
		case *tg.Channel, *tg.Chat:
			return chat
		}
	}
	return nil
}

// describeChat extracts what the lifecycle needs from a joined chat. For
// channels Date is the join date of the current user, so AgeDays is only a
// fallback until channelCreated replaces it.
func describeChat(chat tg.ChatClass, at time.Time) (lifecycle.GroupInfo, error) {
	var (
		info    lifecycle.GroupInfo
		created int
	)

	switch c := chat.(type) {
	case *tg.Channel:
		info.GroupRef = lifecycle.GroupRef{ID: c.ID, AccessHash: c.AccessHash, IsChannel: true}
		info.Title = c.Title
		created = c.Date
		if count, ok := c.GetParticipantsCount(); ok {
			info.MemberCount = count
		}
	case *tg.Chat:
		info.GroupRef = lifecycle.GroupRef{ID: c.ID}
		info.Title = c.Title
		created = c.Date
		info.MemberCount = c.ParticipantsCount
	default:
		return lifecycle.GroupInfo{}, fmt.Errorf("%w: unsupported chat %T", lifecycle.ErrInviteInvalid, chat)
	}

	info.AgeDays = ageDays(time.Unix(int64(created), 0), at)
	return info, nil
}

func ageDays(created, at time.Time) int {
	if created.After(at) {
		return 0
	}
	return int(at.Sub(created).Hours() / 24)
}

type historyFunc func(ctx context.Context, request *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)

// channelCreated reads the date of the oldest message in the channel, which is
// the channel-create service message unless history was cleared.
func channelCreated(ctx context.Context, history historyFunc, ref lifecycle.GroupRef) (time.Time, error) {
	result, err := history(ctx, &tg.MessagesGetHistoryRequest{
		Peer:      inputPeer(ref),
		OffsetID:  1,
		AddOffset: -1,
		Limit:     1,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("load first message: %w", err)
	}

	date, ok := oldestMessageDate(result)
	if !ok {
		return time.Time{}, errors.New("channel history is empty")
	}
	return time.Unix(int64(date), 0), nil
}

func oldestMessageDate(history tg.MessagesMessagesClass) (int, bool) {
	var messages []tg.MessageClass
	switch h := history.(type) {
	case *tg.MessagesMessages:
		messages = h.Messages
	case *tg.MessagesMessagesSlice:
		messages = h.Messages
	case *tg.MessagesChannelMessages:
		messages = h.Messages
	}

	oldest, found := 0, false
	for _, message := range messages {
		var date int
		switch m := message.(type) {
		case *tg.Message:
			date = m.Date
		case *tg.MessageService:
			date = m.Date
		default:
			continue
		}
		if date > 0 && (!found || date < oldest) {
			oldest, found = date, true
		}
	}
	return oldest, found
}

func inputPeer(ref lifecycle.GroupRef) tg.InputPeerClass {
	if ref.IsChannel {
		return &tg.InputPeerChannel{ChannelID: ref.ID, AccessHash: ref.AccessHash}
	}
	return &tg.InputPeerChat{ChatID: ref.ID}
}

func historyCount(ctx context.Context, api *tg.Client, ref lifecycle.GroupRef) (int, error) {
	history, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  inputPeer(ref),
		Limit: 1,
	})
	if err != nil {
		return 0, err
	}
	return countMessages(history), nil
}

func countMessages(history tg.MessagesMessagesClass) int {
	switch h := history.(type) {
	case *tg.MessagesMessages:
		return len(h.Messages)
	case *tg.MessagesMessagesSlice:
		return h.Count
	case *tg.MessagesChannelMessages:
		return h.Count
	case *tg.MessagesMessagesNotModified:
		return h.Count
	}
	return 0
}

func channelMembers(ctx context.Context, api *tg.Client, ref lifecycle.GroupRef) (int, error) {
	full, err := api.ChannelsGetFullChannel(ctx, &tg.InputChannel{ChannelID: ref.ID, AccessHash: ref.AccessHash})
	if err != nil {
		return 0, err
	}
	if channel, ok := full.FullChat.(*tg.ChannelFull); ok {
		if count, ok := channel.GetParticipantsCount(); ok {
			return count, nil
		}
	}
	return 0, nil
}

// CheckOwnership reports whether identity is the creator of the group.
func (c *Client) CheckOwnership(ctx context.Context, identity string, ref lifecycle.GroupRef) (bool, error) {
	var owner bool
	err := c.withSession(ctx, identity, func(ctx context.Context, client *telegram.Client) error {
		if err := ensureAuthorized(ctx, client); err != nil {
			return err
		}
		api := client.API()

		var (
			result tg.MessagesChatsClass
			err    error
		)
		if ref.IsChannel {
			result, err = api.ChannelsGetChannels(ctx, []tg.InputChannelClass{
				&tg.InputChannel{ChannelID: ref.ID, AccessHash: ref.AccessHash},
			})
		} else {
			result, err = api.MessagesGetChats(ctx, []int64{ref.ID})
		}
		if err != nil {
			return fmt.Errorf("load group: %w", err)
		}

		owner = isCreator(result.GetChats(), ref.ID)
		return nil
	})
	return owner, err
}

func isCreator(chats []tg.ChatClass, id int64) bool {
	for _, chat := range chats {
		switch c := chat.(type) {
		case *tg.Channel:
			if c.ID == id {
				return c.Creator
			}
		case *tg.Chat:
			if c.ID == id {
				return c.Creator
			}
		}
	}
	return false
}
