package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-gateway/core"
	"github.com/goliatone/go-gateway/security"
)

func maskedToken(credential core.Credential) string {
	if len(credential.Secret) > 0 {
		return security.MaskSecret(string(credential.Secret))
	}
	if len(credential.RefreshSecret) > 0 {
		return "refresh:" + security.MaskSecret(string(credential.RefreshSecret))
	}
	return ""
}

// formatExpiry renders "expires in 1h 5m", "expired" or "no expiry".
func formatExpiry(expiresAt *time.Time, now time.Time) string {
	if expiresAt == nil {
		return "no expiry"
	}
	remaining := expiresAt.Sub(now)
	if remaining <= 0 {
		return "expired"
	}
	hours := int(remaining / time.Hour)
	minutes := int((remaining % time.Hour) / time.Minute)
	if hours == 0 {
		return fmt.Sprintf("expires in %dm", minutes)
	}
	return fmt.Sprintf("expires in %dh %dm", hours, minutes)
}

func formatStatusLine(status core.ProviderStatus, masked string, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s state=%-15s", status.ProviderID, status.State)
	if status.CredentialKind != "" {
		fmt.Fprintf(&b, " kind=%s", status.CredentialKind)
	}
	if masked != "" {
		fmt.Fprintf(&b, " token=%s", masked)
	}
	if status.CredentialKind != "" && status.CredentialKind != core.CredentialKindAPIKey {
		fmt.Fprintf(&b, " %s", formatExpiry(status.ExpiresAt, now))
	}
	if status.APIKeyFallback {
		b.WriteString(" api_key_fallback=yes")
	}

	tiers := make([]string, 0, len(status.CooldownRemaining))
	for tier, remaining := range status.CooldownRemaining {
		if remaining > 0 {
			tiers = append(tiers, fmt.Sprintf("%s:%s", tier, remaining.Round(time.Second)))
		}
	}
	sort.Strings(tiers)
	if len(tiers) > 0 {
		fmt.Fprintf(&b, " cooldown=%s", strings.Join(tiers, ","))
	}
	if status.LastError != "" {
		fmt.Fprintf(&b, " last_error=%q", status.LastError)
	}
	return b.String()
}
