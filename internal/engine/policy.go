package engine

import (
	"strings"
	"sync"
	"time"

	"bidreach/internal/domain"
)

// ChannelPolicy is the resolved retry contract for one channel.
type ChannelPolicy struct {
	Channel     domain.Channel
	MaxAttempts int
	Backoff     time.Duration
	Shape       string
	AckDeadline time.Duration
}

// policyFor resolves the config block for a channel. ok is false when the
// channel is disabled.
func (e Engine) policyFor(ch domain.Channel) (ChannelPolicy, bool) {
	cc := e.Config.Channel(string(ch))
	if !cc.Enabled {
		return ChannelPolicy{}, false
	}
	return ChannelPolicy{
		Channel:     ch,
		MaxAttempts: cc.MaxAttempts,
		Backoff:     cc.BackoffBase(),
		Shape:       cc.BackoffShape,
		AckDeadline: cc.AckTimeout(),
	}, true
}

// RetryDelay returns the wait before the next try on this channel, given how
// many attempts the channel has already consumed.
func (p ChannelPolicy) RetryDelay(made int) time.Duration {
	if made < 1 {
		made = 1
	}
	if p.Shape == "linear" {
		return p.Backoff * time.Duration(made)
	}
	return p.Backoff << (made - 1)
}

// permanentDetailPrefix marks attempt failures that close their channel for
// the rest of the campaign, e.g. a hard bounce.
const permanentDetailPrefix = "permanent: "

func permanentDetail(detail string) string {
	return permanentDetailPrefix + detail
}

// contactFor returns the destination for a channel, or "" when the
// contractor record has nothing usable for it.
func contactFor(c domain.ContractorRecord, ch domain.Channel) string {
	switch ch {
	case domain.ChannelEmail:
		if domain.ValidEmail(c.Email) {
			return c.Email
		}
	case domain.ChannelSMS, domain.ChannelVoice:
		if domain.ValidPhone(c.Phone) {
			return c.Phone
		}
	}
	return ""
}

// planNext picks the next channel for a campaign: first channel in priority
// order that is enabled, not permanently failed, under budget and reachable.
// A channel skipped for missing contact info consumes no budget. ok is false
// when the campaign has nothing left to try.
func (e Engine) planNext(c domain.ContractorRecord, attempts []domain.Attempt) (ChannelPolicy, string, bool) {
	counts := map[domain.Channel]int{}
	closed := map[domain.Channel]bool{}
	for _, a := range attempts {
		counts[a.Channel]++
		if a.Detail != nil && strings.HasPrefix(*a.Detail, permanentDetailPrefix) {
			closed[a.Channel] = true
		}
	}
	for _, ch := range domain.ChannelPriority {
		p, ok := e.policyFor(ch)
		if !ok || closed[ch] || counts[ch] >= p.MaxAttempts {
			continue
		}
		contact := contactFor(c, ch)
		if contact == "" {
			continue
		}
		return p, contact, true
	}
	return ChannelPolicy{}, "", false
}

// campaignLocks serializes writers per campaign within this process. The
// compare-and-swap on campaign state still guards against other processes
// sharing the database file.
type campaignLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newCampaignLocks() *campaignLocks {
	return &campaignLocks{m: map[string]*sync.Mutex{}}
}

func (l *campaignLocks) lock(id string) func() {
	l.mu.Lock()
	m, ok := l.m[id]
	if !ok {
		m = &sync.Mutex{}
		l.m[id] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}
