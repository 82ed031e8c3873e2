// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package kerberos

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"
)

//go:generate mockgen -destination=mocks/mock_kdc.go -package=mocks -source=kdc.go KDC

// KDC obtains delegated tickets for the configured service account.
type KDC interface {
	// S4U2Self obtains a ticket to the service itself on behalf of user,
	// without the user's credentials.
	S4U2Self(ctx context.Context, user string) (*Ticket, error)
	// S4U2Proxy exchanges a forwardable S4U2Self ticket for a ticket to
	// targetSPN on behalf of the same user.
	S4U2Proxy(ctx context.Context, self *Ticket, targetSPN string) (*Ticket, error)
	// Check obtains a fresh ticket granting ticket for the service account.
	Check(ctx context.Context) error
	// Close releases the client.
	Close()
}

// Ticket is a service ticket together with its session key.
type Ticket struct {
	// Client is the principal the ticket was issued for, e.g. "alice@CORP.EXAMPLE".
	Client string
	// Service is the service principal name of the ticket.
	Service     string
	Realm       string
	AuthTime    time.Time
	StartTime   time.Time
	EndTime     time.Time
	RenewTill   time.Time
	Forwardable bool
	// Raw is the DER encoded ticket.
	Raw            []byte
	SessionKeyType int32
	SessionKey     []byte
}

// String omits the ticket and key material.
func (t *Ticket) String() string {
	if t == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Ticket{Client: %s, Service: %s, EndTime: %s}", t.Client, t.Service, t.EndTime.Format(time.RFC3339))
}

// Expired reports whether the ticket is no longer valid at now.
func (t *Ticket) Expired(now time.Time) bool {
	return !now.Before(t.EndTime)
}

// NeedsRenewal reports whether the ticket expires within threshold of now.
func (t *Ticket) NeedsRenewal(now time.Time, threshold time.Duration) bool {
	return !now.Add(threshold).Before(t.EndTime)
}

// TicketInfo is the delegation result of the module.
type TicketInfo struct {
	Client         string    `json:"client"`
	Service        string    `json:"service"`
	Realm          string    `json:"realm"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	RenewTill      time.Time `json:"renew_till,omitzero"`
	Ticket         string    `json:"ticket"`
	SessionKeyType int32     `json:"session_key_type"`
	SessionKey     string    `json:"session_key"`
	Cached         bool      `json:"cached"`
}

// String omits the ticket and key material.
func (i TicketInfo) String() string {
	return fmt.Sprintf("TicketInfo{Client: %s, Service: %s, Cached: %t}", i.Client, i.Service, i.Cached)
}

func infoOf(t *Ticket, cached bool) TicketInfo {
	return TicketInfo{
		Client:         t.Client,
		Service:        t.Service,
		Realm:          t.Realm,
		StartTime:      t.StartTime,
		EndTime:        t.EndTime,
		RenewTill:      t.RenewTill,
		Ticket:         base64.StdEncoding.EncodeToString(t.Raw),
		SessionKeyType: t.SessionKeyType,
		SessionKey:     base64.StdEncoding.EncodeToString(t.SessionKey),
		Cached:         cached,
	}
}
