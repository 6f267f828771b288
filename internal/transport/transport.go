// Package transport delivers outreach messages over email, SMS and voice.
package transport

import (
	"context"
	"fmt"

	"bidreach/internal/config"
	"bidreach/internal/domain"
)

// Message is one outbound contact on a single channel.
type Message struct {
	Channel domain.Channel
	To      string
	Subject string
	Body    string
}

// Transport sends messages for one channel. The returned provider reference
// correlates later inbound callbacks back to the attempt.
type Transport interface {
	Send(ctx context.Context, m Message) (providerRef string, err error)
}

// FromConfig builds a transport per enabled channel. With dispatch.dry_run
// set, every channel gets the logging transport regardless of credentials.
func FromConfig(cfg *config.Config) (map[domain.Channel]Transport, error) {
	out := map[domain.Channel]Transport{}
	for _, ch := range domain.ChannelPriority {
		if !cfg.Channel(string(ch)).Enabled {
			continue
		}
		if cfg.Dispatch.DryRun {
			out[ch] = &DryRun{Channel: ch}
			continue
		}
		switch ch {
		case domain.ChannelEmail:
			smtp := cfg.Channels.Email.SMTP
			if smtp.Host == "" || cfg.Channels.Email.From == "" {
				return nil, fmt.Errorf("email channel enabled but smtp host or from address missing")
			}
			out[ch] = &SMTP{
				Host:     smtp.Host,
				Port:     smtp.Port,
				Username: smtp.Username,
				Password: smtp.Password,
				From:     cfg.Channels.Email.From,
			}
		case domain.ChannelSMS:
			p := cfg.Channels.SMS.Provider
			if p.AccountSID == "" || p.AuthToken == "" || cfg.Channels.SMS.FromNumber == "" {
				return nil, fmt.Errorf("sms channel enabled but twilio credentials missing")
			}
			out[ch] = &TwilioSMS{Twilio: Twilio{
				BaseURL:    p.BaseURL,
				AccountSID: p.AccountSID,
				AuthToken:  p.AuthToken,
				From:       cfg.Channels.SMS.FromNumber,
			}}
		case domain.ChannelVoice:
			p := cfg.Channels.Voice.Provider
			if p.AccountSID == "" || p.AuthToken == "" || cfg.Channels.Voice.FromNumber == "" {
				return nil, fmt.Errorf("voice channel enabled but twilio credentials missing")
			}
			out[ch] = &TwilioVoice{
				Twilio: Twilio{
					BaseURL:    p.BaseURL,
					AccountSID: p.AccountSID,
					AuthToken:  p.AuthToken,
					From:       cfg.Channels.Voice.FromNumber,
				},
				ScriptURL: cfg.Channels.Voice.ScriptURL,
			}
		}
	}
	return out, nil
}
