package bot

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"librarian/internal/keys"
	"librarian/internal/model"
	"librarian/internal/storage"
)

const (
	defaultTopLimit = 10
	maxTopLimit     = 50
	topWindow       = 7 * 24 * time.Hour
)

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Welcome to Librarian!

Subscribe to feeds, describe what you care about with tag rules, and read the best entries first.

Quick start:
1. /add <url> - subscribe to a feed
2. /rule 5 rust -crypto - score entries tagged rust and not crypto
3. /top - read your best entries

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Feeds:
/add <url> - subscribe to a feed
/list - show your feeds
/info <id> - feed details
/remove <id> - unsubscribe from a feed
/check <id> - catalog new entries now

Rules:
/rules - show your rules
/rule <score> <tag> [tag...] [-tag...] - add or update a rule
/rmrule <rule_id> - remove a rule

Reading:
/top [count] - best entries of the last week

API keys:
/key <provider> <api_key> [max_entry_age_days] - tag your entries with your own key
/rmkey <provider> - remove your key`)
}

// userFeed returns the feed with id if the chat is subscribed to it.
func (b *Bot) userFeed(ctx context.Context, chatID, id int64) (*model.Feed, error) {
	feeds, err := b.store.ListFeeds(ctx, UserID(chatID))
	if err != nil {
		return nil, err
	}
	i := slices.IndexFunc(feeds, func(f model.Feed) bool { return f.ID == id })
	if i < 0 {
		return nil, storage.ErrNotFound
	}
	return &feeds[i], nil
}

func (b *Bot) handleAdd(ctx context.Context, chatID int64, args string) {
	if args == "" {
		b.reply(chatID, "Usage: /add <url>")
		return
	}

	f, err := b.store.GetFeedByURL(ctx, args)
	if errors.Is(err, storage.ErrNotFound) {
		parsed, ferr := b.fetcher.Fetch(ctx, args)
		if ferr != nil {
			b.reply(chatID, fmt.Sprintf("Failed to fetch feed: %v", ferr))
			return
		}
		name := parsed.Title
		if name == "" {
			name = args
		}
		f = &model.Feed{Name: name, URL: args, IntervalMinutes: 15, IsActive: true}
		err = b.store.CreateFeed(ctx, f)
	}
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Failed to save feed: %v", err))
		return
	}

	if err := b.store.LinkFeed(ctx, UserID(chatID), f.ID); err != nil {
		b.reply(chatID, fmt.Sprintf("Failed to subscribe: %v", err))
		return
	}
	b.log.Info("feed subscribed", "chat_id", chatID, "feed_id", f.ID)

	b.reply(chatID, fmt.Sprintf("Subscribed!\n#%d %s (every %d min)\nURL: %s\nUse /rule to score its entries.",
		f.ID, f.Name, f.IntervalMinutes, f.URL))
}

func (b *Bot) handleList(ctx context.Context, chatID int64) {
	feeds, err := b.store.ListFeeds(ctx, UserID(chatID))
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatFeedList(feeds))
}

func (b *Bot) handleInfo(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /info <id>")
		return
	}

	feed, err := b.userFeed(ctx, chatID, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Feed #%d not found.", id))
		return
	}
	b.reply(chatID, FormatFeedInfo(feed))
}

func (b *Bot) handleRemove(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /remove <id>")
		return
	}

	feed, err := b.userFeed(ctx, chatID, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Feed #%d not found.", id))
		return
	}

	if err := b.store.UnlinkFeed(ctx, UserID(chatID), id); err != nil {
		b.reply(chatID, fmt.Sprintf("Error removing feed: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Unsubscribed from #%d \"%s\".", id, feed.Name))
}

func (b *Bot) handleCheck(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /check <id>")
		return
	}

	feed, err := b.userFeed(ctx, chatID, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Feed #%d not found.", id))
		return
	}

	n := b.loader.LoadFeed(ctx, *feed)
	if n == 0 {
		b.reply(chatID, fmt.Sprintf("No new entries in #%d \"%s\".", feed.ID, feed.Name))
		return
	}
	b.reply(chatID, fmt.Sprintf("Cataloged %d new entries from #%d \"%s\".", n, feed.ID, feed.Name))
}

func (b *Bot) handleRules(ctx context.Context, chatID int64) {
	rules, err := b.rules.Rules(ctx, UserID(chatID))
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	names, err := b.tagNames(ctx, rules...)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatRules(rules, names))
}

func (b *Bot) handleRule(ctx context.Context, chatID int64, args string) {
	parsed, err := ParseRuleArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}

	rule, err := b.ranker.BuildRule(ctx, UserID(chatID), parsed.Score, parsed.Required, parsed.Excluded)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Invalid rule: %v", err))
		return
	}
	if err := b.rules.CreateOrUpdateRule(ctx, rule); err != nil {
		b.reply(chatID, fmt.Sprintf("Invalid rule: %v", err))
		return
	}

	names, _ := b.tagNames(ctx, *rule)
	b.reply(chatID, "Rule saved: "+FormatRule(*rule, names))
}

func (b *Bot) handleRmRule(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /rmrule <rule_id>")
		return
	}

	err = b.rules.DeleteRule(ctx, UserID(chatID), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		b.reply(chatID, fmt.Sprintf("Rule R%d not found.", id))
	case err != nil:
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
	default:
		b.reply(chatID, fmt.Sprintf("Rule R%d removed.", id))
	}
}

// tagNames maps the tag ids used by rules to their uids.
func (b *Bot) tagNames(ctx context.Context, rules ...model.Rule) (map[int64]string, error) {
	var ids []int64
	for _, r := range rules {
		ids = append(ids, r.RequiredTags...)
		ids = append(ids, r.ExcludedTags...)
	}
	found, err := b.tags.Tags(ctx, ids)
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(found))
	for _, t := range found {
		names[t.ID] = t.UID
	}
	return names, nil
}

func (b *Bot) handleTop(ctx context.Context, chatID int64, args string) {
	limit, err := ParseLimitArg(args, defaultTopLimit, maxTopLimit)
	if err != nil {
		b.reply(chatID, "Usage: /top [count]")
		return
	}

	top, err := b.ranker.Top(ctx, UserID(chatID), b.now().Add(-topWindow), limit)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatTop(top))
}

func (b *Bot) handleKey(ctx context.Context, chatID int64, args string) {
	parsed, err := ParseKeyArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	if !slices.Contains(b.providers, parsed.Provider) {
		b.reply(chatID, fmt.Sprintf("Unknown provider %q.", parsed.Provider))
		return
	}

	key := model.UserKey{
		UserID:          UserID(chatID),
		Provider:        parsed.Provider,
		APIKey:          parsed.APIKey,
		MaxEntryAgeDays: parsed.MaxAgeDays,
	}
	if err := b.store.SetUserKey(ctx, key); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.log.Info("user key set", "chat_id", chatID, "provider", parsed.Provider, "key", keys.Fingerprint(parsed.APIKey))
	b.reply(chatID, fmt.Sprintf("Key %s saved for %s.", keys.Fingerprint(parsed.APIKey), parsed.Provider))
}

func (b *Bot) handleRmKey(ctx context.Context, chatID int64, args string) {
	if args == "" {
		b.reply(chatID, "Usage: /rmkey <provider>")
		return
	}
	if err := b.store.DeleteUserKey(ctx, UserID(chatID), args); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Key for %s removed.", args))
}
