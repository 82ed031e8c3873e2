// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package kerberos

import (
	"context"
	"crypto/hmac"
	"crypto/md5" // #nosec G501 -- KERB_CHECKSUM_HMAC_MD5 is mandated for PA-FOR-USER
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/iana/nametype"
	"github.com/jcmturner/gokrb5/v8/iana/patype"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/stacklok/delegator/pkg/logger"
)

const (
	// paForUser is the PA-DATA type of PA-FOR-USER.
	paForUser int32 = 129
	// checksumHMACMD5 is KERB_CHECKSUM_HMAC_MD5.
	checksumHMACMD5 int32 = -138
	// paForUserChecksumUsage is the key usage of the PA-FOR-USER checksum.
	paForUserChecksumUsage uint32 = 17
	authPackage                   = "Kerberos"

	kdcOptForwardable    = 1
	kdcOptCNameInAddlTkt = 14
	kdcOptCanonicalize   = 15

	// tgtRefreshMargin is subtracted from the TGT end time.
	tgtRefreshMargin = time.Minute
)

// ClientConfig configures the gokrb5 backed KDC client.
type ClientConfig struct {
	Realm string
	// KDC is the host:port of the key distribution center. Ignored when
	// Krb5Conf is set.
	KDC string
	// ServicePrincipal is the delegating service account, without realm.
	ServicePrincipal string
	// Keytab is the keytab file of the service account.
	Keytab string
	// Krb5Conf is an optional krb5.conf path.
	Krb5Conf string
}

type tgtState struct {
	ticket messages.Ticket
	key    types.EncryptionKey
	until  time.Time
}

// Client is a KDC backed by gokrb5. It keeps one TGT for the service account
// and performs the S4U exchanges with it.
type Client struct {
	realm   string
	cfg     *config.Config
	krb     *client.Client
	service types.PrincipalName

	mu  sync.Mutex
	tgt *tgtState
}

var _ KDC = (*Client)(nil)

// NewClient loads the keytab and krb5 configuration. No KDC request is made.
func NewClient(c ClientConfig) (*Client, error) {
	if c.Realm == "" || c.ServicePrincipal == "" || c.Keytab == "" {
		return nil, fmt.Errorf("realm, service principal and keytab are required")
	}
	kt, err := keytab.Load(c.Keytab)
	if err != nil {
		return nil, fmt.Errorf("failed to load keytab: %w", err)
	}
	cfg, err := krb5Config(c)
	if err != nil {
		return nil, err
	}

	krb := client.NewWithKeytab(c.ServicePrincipal, c.Realm, kt, cfg, client.DisablePAFXFAST(true))
	return &Client{
		realm:   c.Realm,
		cfg:     cfg,
		krb:     krb,
		service: krb.Credentials.CName(),
	}, nil
}

func krb5Config(c ClientConfig) (*config.Config, error) {
	if c.Krb5Conf != "" {
		cfg, err := config.Load(c.Krb5Conf)
		if err != nil {
			return nil, fmt.Errorf("failed to load krb5 configuration: %w", err)
		}
		return cfg, nil
	}
	if c.KDC == "" {
		return nil, fmt.Errorf("kdc address is required without a krb5 configuration")
	}
	cfg := config.New()
	cfg.LibDefaults.DefaultRealm = c.Realm
	cfg.LibDefaults.DNSLookupKDC = false
	cfg.Realms = append(cfg.Realms, config.Realm{
		Realm: c.Realm,
		KDC:   []string{c.KDC},
	})
	return cfg, nil
}

// Check performs a fresh AS exchange for the service account.
func (c *Client) Check(ctx context.Context) error {
	_, err := run(ctx, func() (struct{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		return struct{}{}, c.loginLocked()
	})
	return err
}

func (c *Client) loginLocked() error {
	asReq, err := messages.NewASReqForTGT(c.realm, c.cfg, c.service)
	if err != nil {
		return fmt.Errorf("failed to build AS-REQ: %w", err)
	}
	asRep, err := c.krb.ASExchange(c.realm, asReq, 0)
	if err != nil {
		return fmt.Errorf("AS exchange failed: %w", err)
	}
	c.tgt = &tgtState{
		ticket: asRep.Ticket,
		key:    asRep.DecryptedEncPart.Key,
		until:  asRep.DecryptedEncPart.EndTime.Add(-tgtRefreshMargin),
	}
	logger.Debugw("obtained service account TGT", "realm", c.realm, "until", c.tgt.until)
	return nil
}

func (c *Client) currentTGT() (*tgtState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tgt == nil || !time.Now().Before(c.tgt.until) {
		if err := c.loginLocked(); err != nil {
			return nil, err
		}
	}
	return c.tgt, nil
}

// S4U2Self implements KDC.
func (c *Client) S4U2Self(ctx context.Context, user string) (*Ticket, error) {
	return run(ctx, func() (*Ticket, error) {
		tgt, err := c.currentTGT()
		if err != nil {
			return nil, err
		}
		userName := types.NewPrincipalName(nametype.KRB_NT_PRINCIPAL, user)

		req, err := messages.NewTGSReq(userName, c.realm, c.cfg, tgt.ticket, tgt.key, c.service, false)
		if err != nil {
			return nil, fmt.Errorf("failed to build S4U2Self request: %w", err)
		}
		types.SetFlag(&req.ReqBody.KDCOptions, kdcOptForwardable)
		types.SetFlag(&req.ReqBody.KDCOptions, kdcOptCanonicalize)

		pa, err := forUserPAData(userName, c.realm, tgt.key)
		if err != nil {
			return nil, err
		}
		if err := c.sign(&req, tgt, pa); err != nil {
			return nil, err
		}
		_, rep, err := c.krb.TGSExchange(req, c.realm, tgt.ticket, tgt.key, 0)
		if err != nil {
			return nil, fmt.Errorf("S4U2Self exchange failed: %w", err)
		}
		return ticketOf(rep)
	})
}

// S4U2Proxy implements KDC.
func (c *Client) S4U2Proxy(ctx context.Context, self *Ticket, targetSPN string) (*Ticket, error) {
	return run(ctx, func() (*Ticket, error) {
		var evidence messages.Ticket
		if err := evidence.Unmarshal(self.Raw); err != nil {
			return nil, fmt.Errorf("failed to decode S4U2Self ticket: %w", err)
		}
		tgt, err := c.currentTGT()
		if err != nil {
			return nil, err
		}

		userName := types.NewPrincipalName(nametype.KRB_NT_PRINCIPAL, userPart(self.Client))
		target := types.NewPrincipalName(nametype.KRB_NT_SRV_INST, targetSPN)

		req, err := messages.NewTGSReq(userName, c.realm, c.cfg, tgt.ticket, tgt.key, target, false)
		if err != nil {
			return nil, fmt.Errorf("failed to build S4U2Proxy request: %w", err)
		}
		types.SetFlag(&req.ReqBody.KDCOptions, kdcOptForwardable)
		types.SetFlag(&req.ReqBody.KDCOptions, kdcOptCNameInAddlTkt)
		types.SetFlag(&req.ReqBody.KDCOptions, kdcOptCanonicalize)
		req.ReqBody.AdditionalTickets = []messages.Ticket{evidence}

		if err := c.sign(&req, tgt); err != nil {
			return nil, err
		}
		_, rep, err := c.krb.TGSExchange(req, c.realm, tgt.ticket, tgt.key, 0)
		if err != nil {
			return nil, fmt.Errorf("S4U2Proxy exchange failed: %w", err)
		}
		return ticketOf(rep)
	})
}

// sign replaces the PA-TGS-REQ of req with one authenticated by the service
// account, since the request body carries the impersonated client name.
func (c *Client) sign(req *messages.TGSReq, tgt *tgtState, extra ...types.PAData) error {
	body, err := req.ReqBody.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}
	et, err := crypto.GetEtype(tgt.key.KeyType)
	if err != nil {
		return fmt.Errorf("unsupported session key type: %w", err)
	}
	cksum, err := et.GetChecksumHash(tgt.key.KeyValue, body, keyusage.TGS_REQ_PA_TGS_REQ_AP_REQ_AUTHENTICATOR_CHKSUM)
	if err != nil {
		return fmt.Errorf("failed to checksum request body: %w", err)
	}
	auth, err := types.NewAuthenticator(tgt.ticket.Realm, c.service)
	if err != nil {
		return fmt.Errorf("failed to create authenticator: %w", err)
	}
	auth.Cksum = types.Checksum{CksumType: et.GetHashID(), Checksum: cksum}

	apReq, err := messages.NewAPReq(tgt.ticket, tgt.key, auth)
	if err != nil {
		return fmt.Errorf("failed to create AP-REQ: %w", err)
	}
	ap, err := apReq.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal AP-REQ: %w", err)
	}
	req.PAData = append(types.PADataSequence{{PADataType: patype.PA_TGS_REQ, PADataValue: ap}}, extra...)
	return nil
}

// Close implements KDC.
func (c *Client) Close() {
	c.krb.Destroy()
}

type forUser struct {
	UserName    types.PrincipalName `asn1:"explicit,tag:0"`
	UserRealm   string              `asn1:"generalstring,explicit,tag:1"`
	Cksum       types.Checksum      `asn1:"explicit,tag:2"`
	AuthPackage string              `asn1:"generalstring,explicit,tag:3"`
}

// forUserPAData builds the PA-FOR-USER element naming the impersonated user.
func forUserPAData(user types.PrincipalName, realm string, key types.EncryptionKey) (types.PAData, error) {
	b, err := asn1.Marshal(forUser{
		UserName:  user,
		UserRealm: realm,
		Cksum: types.Checksum{
			CksumType: checksumHMACMD5,
			Checksum:  forUserChecksum(key.KeyValue, user, realm),
		},
		AuthPackage: authPackage,
	})
	if err != nil {
		return types.PAData{}, fmt.Errorf("failed to marshal PA-FOR-USER: %w", err)
	}
	return types.PAData{PADataType: paForUser, PADataValue: b}, nil
}

// forUserChecksum computes KERB_CHECKSUM_HMAC_MD5 over the name type, name
// components, realm and auth package.
func forUserChecksum(key []byte, user types.PrincipalName, realm string) []byte {
	data := binary.LittleEndian.AppendUint32(nil, uint32(user.NameType)) // #nosec G115 -- name types are small positive values
	for _, s := range user.NameString {
		data = append(data, s...)
	}
	data = append(data, realm...)
	data = append(data, authPackage...)

	ksign := hmacMD5(key, []byte("signaturekey\x00"))
	h := md5.New() // #nosec G401 -- see import
	_ = binary.Write(h, binary.LittleEndian, paForUserChecksumUsage)
	h.Write(data)
	return hmacMD5(ksign, h.Sum(nil))
}

func hmacMD5(key, data []byte) []byte {
	mac := hmac.New(md5.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func ticketOf(rep messages.TGSRep) (*Ticket, error) {
	raw, err := rep.Ticket.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ticket: %w", err)
	}
	part := rep.DecryptedEncPart
	return &Ticket{
		Client:         rep.CName.PrincipalNameString() + "@" + rep.CRealm,
		Service:        rep.Ticket.SName.PrincipalNameString(),
		Realm:          rep.Ticket.Realm,
		AuthTime:       part.AuthTime,
		StartTime:      part.StartTime,
		EndTime:        part.EndTime,
		RenewTill:      part.RenewTill,
		Forwardable:    types.IsFlagSet(&part.Flags, kdcOptForwardable),
		Raw:            raw,
		SessionKeyType: part.Key.KeyType,
		SessionKey:     part.Key.KeyValue,
	}, nil
}

func userPart(principal string) string {
	if i := strings.LastIndex(principal, "@"); i >= 0 {
		return principal[:i]
	}
	return principal
}

// run calls fn and returns early when ctx is done. gokrb5 has no context
// support, so an abandoned call finishes in the background.
func run[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn()
		done <- outcome{v, err}
	}()
	select {
	case o := <-done:
		return o.v, o.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
