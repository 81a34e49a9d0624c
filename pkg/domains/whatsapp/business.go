package whatsapp

import (
	"context"
	"net/url"

	"github.com/wagate/pkg/domains/store"
	"github.com/wagate/pkg/domains/webhook"
	"github.com/wagate/pkg/entities"
	"go.mau.fi/whatsmeow"
	waTypes "go.mau.fi/whatsmeow/types"
)

// refreshBusinessInfo pulls the upstream business profile and status
// best-effort and merges them with the stored record; fields upstream does
// not provide keep their stored values.
func (s *TenantSession) refreshBusinessInfo(ctx context.Context) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil || client.Store.ID == nil {
		return
	}
	self := client.Store.ID.ToNonAD()

	info, err := s.deps.repo.GetBusinessInfo(ctx, s.Username)
	if err != nil {
		s.deps.logger.Warn().Err(err).Str("username", s.Username).
			Msg("failed to load stored business info")
		return
	}
	if info == nil {
		info = &entities.BusinessInfo{Username: s.Username}
	}

	if info.Name == "" && client.Store.PushName != "" {
		info.Name = client.Store.PushName
	}

	if profile, err := client.GetBusinessProfile(self); err == nil && profile != nil {
		if info.LocationURL == "" && profile.Address != "" {
			info.LocationURL = "https://maps.google.com/?q=" + url.QueryEscape(profile.Address)
		}
	}

	if status := s.fetchSelfStatus(ctx, client, self); status != "" && info.WorkingHours == "" {
		info.WorkingHours = status
	}

	// The tenant's own number always belongs to the published set.
	if number := webhook.E164FromJID(self.String()); number != "" {
		numbers := store.MobileNumbers(info)
		found := false
		for _, n := range numbers {
			if n == number {
				found = true
				break
			}
		}
		if !found {
			numbers = append(numbers, number)
			info.MobileNumbers = store.EncodeMobileNumbers(numbers)
		}
	}

	if err := s.deps.repo.UpsertBusinessInfo(ctx, *info); err != nil {
		s.deps.logger.Warn().Err(err).Str("username", s.Username).
			Msg("failed to persist business info")
	}
}

// fetchSelfStatus returns the tenant's upstream status text, or empty when
// upstream has none or the lookup fails.
func (s *TenantSession) fetchSelfStatus(ctx context.Context, client *whatsmeow.Client, self waTypes.JID) string {
	users, err := client.GetUserInfo([]waTypes.JID{self})
	if err != nil {
		s.deps.logger.Debug().Err(err).Str("username", s.Username).
			Msg("status lookup failed")
		return ""
	}
	if user, found := users[self]; found {
		return user.Status
	}
	return ""
}
