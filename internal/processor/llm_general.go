package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"text/template"
	"time"

	"librarian/internal/config"
	"librarian/internal/keys"
	"librarian/internal/llm"
	"librarian/internal/model"
	"librarian/internal/quota"
	"librarian/internal/tags"
)

// KeySelector chooses and reserves the key that pays for a call.
type KeySelector interface {
	Select(ctx context.Context, provider string, kind model.ResourceKind, feed model.Feed, entry model.Entry, amount int64) (keys.Usage, error)
	Report(ctx context.Context, u keys.Usage, err error)
}

// Ledger settles reservations.
type Ledger interface {
	Use(ctx context.Context, r quota.Reservation, fn func(ctx context.Context) (int64, error)) error
}

// LLMDeps are the collaborators of LLM backed processors.
type LLMDeps struct {
	Registry *llm.Registry
	Keys     KeySelector
	Ledger   Ledger
	Log      *slog.Logger
}

var dogTag = regexp.MustCompile(`@([\p{L}\p{N}_-]+)`)

var spaces = regexp.MustCompile(`\s+`)

// LLMGeneral asks a language model for the tags of an entry.
type LLMGeneral struct {
	cfg            config.LLMConfig
	provider       llm.Provider
	info           llm.ModelInfo
	maxEntryTokens int64
	tmpl           *template.Template
	timeout        time.Duration
	keys           KeySelector
	ledger         Ledger
	log            *slog.Logger
}

// NewLLMGeneral creates an llm_general processor.
func NewLLMGeneral(pc config.ProcessorConfig, deps LLMDeps) (*LLMGeneral, error) {
	if deps.Registry == nil || deps.Keys == nil || deps.Ledger == nil {
		return nil, errors.New("llm processor needs a provider registry, key selector and ledger")
	}
	cfg := pc.LLM
	provider, err := deps.Registry.Get(cfg.Provider)
	if err != nil {
		return nil, err
	}
	info, ok := provider.Model(cfg.Model)
	if !ok {
		return nil, fmt.Errorf("%s: unknown model %q", cfg.Provider, cfg.Model)
	}
	tmpl, err := template.New("entry").Option("missingkey=error").Parse(cfg.EntryTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse entry template: %w", err)
	}

	maxEntry := int64(info.MaxTokensPerEntry)
	if cfg.MaxTokensPerEntry > 0 {
		maxEntry = int64(cfg.MaxTokensPerEntry)
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &LLMGeneral{
		cfg:            cfg,
		provider:       provider,
		info:           info,
		maxEntryTokens: maxEntry,
		tmpl:           tmpl,
		timeout:        time.Duration(cfg.TimeoutSeconds) * time.Second,
		keys:           deps.Keys,
		ledger:         deps.Ledger,
		log:            log.With("processor_id", pc.ID, "provider", provider.Name()),
	}, nil
}

// Process implements Processor.
func (p *LLMGeneral) Process(ctx context.Context, feed model.Feed, entry model.Entry) ([]tags.RawTag, error) {
	text, err := p.render(entry)
	if err != nil {
		return nil, Permanent(err)
	}

	reqs, err := llm.PrepareRequests(p.provider, llm.PrepareConfig{
		Model:           p.cfg.Model,
		System:          p.cfg.System,
		MaxReturnTokens: p.cfg.MaxReturnTokens,
		TextParts:       p.cfg.TextParts,
		TextOverlap:     p.cfg.TextOverlap,
	}, text)
	if err != nil {
		return nil, Permanent(err)
	}
	estimate := llm.EstimateUsage(p.provider, reqs)
	if p.maxEntryTokens > 0 && estimate > p.maxEntryTokens {
		return nil, fmt.Errorf("%w: estimated %d tokens exceed %d per entry", ErrSkip, estimate, p.maxEntryTokens)
	}

	usage, err := p.keys.Select(ctx, p.provider.Name(), model.ResourceKind(p.cfg.ResourceKind), feed, entry, estimate)
	if errors.Is(err, keys.ErrNoKey) {
		return nil, fmt.Errorf("%w: %w", ErrSkip, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: select key: %w", ErrTransient, err)
	}

	var responses []llm.Response
	callErr := p.ledger.Use(ctx, usage.Reservation, func(ctx context.Context) (int64, error) {
		var spent int64
		for _, req := range reqs {
			resp, err := p.call(ctx, usage.APIKey, req)
			spent += resp.TotalTokens()
			if err != nil {
				return spent, err
			}
			responses = append(responses, resp)
		}
		return spent, nil
	})
	p.keys.Report(ctx, usage, callErr)
	if callErr != nil {
		return nil, p.classify(usage, callErr)
	}

	var input, output int64
	for _, r := range responses {
		input += r.InputTokens
		output += r.OutputTokens
	}
	p.log.Debug("llm tags extracted",
		"entry_id", entry.ID,
		"requests", len(reqs),
		"estimate", estimate,
		"tokens", input+output,
		"cost_usd", p.info.TokensCost(input, output),
	)
	return extractTags(responses), nil
}

func (p *LLMGeneral) render(entry model.Entry) (string, error) {
	var b strings.Builder
	if err := p.tmpl.Execute(&b, entry); err != nil {
		return "", fmt.Errorf("render entry template: %w", err)
	}
	return cleanText(b.String()), nil
}

// call makes one request under the per-call timeout, repeating it once for
// errors that allow it.
func (p *LLMGeneral) call(ctx context.Context, apiKey string, req llm.Request) (llm.Response, error) {
	var spent int64
	for attempt := 0; ; attempt++ {
		resp, err := p.callOnce(ctx, apiKey, req)
		if err == nil || attempt > 0 || llm.ActionFor(err) != llm.ActionRetryOnce {
			resp.InputTokens += spent
			return resp, err
		}
		spent += resp.TotalTokens()
		p.log.Warn("retrying llm request", "reason", llm.KindOf(err), "error", err)
	}
}

func (p *LLMGeneral) callOnce(ctx context.Context, apiKey string, req llm.Request) (llm.Response, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	return p.provider.ChatRequest(ctx, apiKey, req)
}

// classify turns a provider error into the runner's outcome.
func (p *LLMGeneral) classify(usage keys.Usage, err error) error {
	switch llm.ActionFor(err) {
	case llm.ActionSkip:
		return fmt.Errorf("%w: %w", ErrSkip, err)
	case llm.ActionRetryOnce, llm.ActionFail:
		return Permanent(err)
	case llm.ActionHalt:
		if usage.Source == keys.SourceUser {
			// the key is marked broken, the next attempt picks another one
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}
		return fmt.Errorf("%w: %w", ErrHalt, err)
	default:
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
}

// cleanText drops invalid UTF-8 and collapses whitespace.
func cleanText(s string) string {
	s = strings.ToValidUTF8(s, "")
	return strings.TrimSpace(spaces.ReplaceAllString(s, " "))
}

// responseTags reads the tags of one response. Models answer with @tags, a
// JSON list of strings, or a JSON object with a "tags" list.
func responseTags(content string) []string {
	var list []string
	if err := llm.DecodeJSON(content, &list); err == nil && len(list) > 0 {
		return list
	}
	var obj struct {
		Tags []string `json:"tags"`
	}
	if err := llm.DecodeJSON(content, &obj); err == nil && len(obj.Tags) > 0 {
		return obj.Tags
	}
	var found []string
	for _, m := range dogTag.FindAllStringSubmatch(content, -1) {
		found = append(found, m[1])
	}
	return found
}

// extractTags collects the tags of all responses.
func extractTags(responses []llm.Response) []tags.RawTag {
	seen := make(map[string]bool)
	var uids []string
	for _, r := range responses {
		for _, raw := range responseTags(r.Content) {
			t := strings.ToLower(strings.TrimSpace(raw))
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			uids = append(uids, t)
		}
	}
	sort.Strings(uids)

	out := make([]tags.RawTag, len(uids))
	for i, uid := range uids {
		out[i] = tags.RawTag{Raw: uid}
	}
	return out
}
