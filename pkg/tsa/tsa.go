// Package tsa requests RFC 3161 timestamp tokens over the digest of a
// contract's signing records, so the moment of completion can be proven
// by a third party.
package tsa

import (
	"bytes"
	"context"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/accordsai/esign/pkg/canonhash"
	"github.com/accordsai/esign/pkg/domain"
)

const (
	queryType = "application/timestamp-query"
	replyType = "application/timestamp-reply"
	maxReply  = 1 << 20
)

var oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type messageImprint struct {
	HashAlgorithm algorithmIdentifier
	HashedMessage []byte
}

type timeStampReq struct {
	Version        int
	MessageImprint messageImprint
	ReqPolicy      asn1.ObjectIdentifier `asn1:"optional"`
	CertReq        bool                  `asn1:"optional"`
}

type recordDigest struct {
	RecordID    string `json:"record_id"`
	ContentHash string `json:"content_hash"`
}

type completion struct {
	ContractID string         `json:"contract_id"`
	Records    []recordDigest `json:"records"`
}

// Digest commits to every record of one contract. Records are ordered by
// id so the digest does not depend on listing order.
func Digest(recs []domain.SigningRecord) (string, error) {
	if len(recs) == 0 {
		return "", errors.New("no signing records")
	}
	c := completion{ContractID: recs[0].ContractID, Records: make([]recordDigest, 0, len(recs))}
	for _, r := range recs {
		if r.ContractID != c.ContractID {
			return "", fmt.Errorf("record %s belongs to contract %s, not %s", r.RecordID, r.ContractID, c.ContractID)
		}
		c.Records = append(c.Records, recordDigest{RecordID: r.RecordID, ContentHash: r.ContentHash})
	}
	sort.Slice(c.Records, func(i, j int) bool { return c.Records[i].RecordID < c.Records[j].RecordID })
	h, _, err := canonhash.SumObject(c)
	return h, err
}

// NewRequest encodes a DER TimeStampReq for a "sha256:<hex>" digest.
func NewRequest(digest, policyOID string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(digest), canonhash.Prefix))
	if err != nil {
		return nil, fmt.Errorf("invalid digest: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("invalid digest length %d", len(raw))
	}
	req := timeStampReq{
		Version: 1,
		MessageImprint: messageImprint{
			HashAlgorithm: algorithmIdentifier{
				Algorithm:  oidSHA256,
				Parameters: asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagNull},
			},
			HashedMessage: raw,
		},
		CertReq: true,
	}
	if p := strings.TrimSpace(policyOID); p != "" {
		oid, err := parseOID(p)
		if err != nil {
			return nil, err
		}
		req.ReqPolicy = oid
	}
	return asn1.Marshal(req)
}

type Token struct {
	Digest      string
	DER         []byte
	ContentType string
}

type Client struct {
	URL       string
	PolicyOID string
	HTTP      *http.Client
}

func New(url string) *Client {
	return &Client{URL: url, HTTP: &http.Client{Timeout: 5 * time.Second}}
}

// Stamp asks the authority for a token over digest. Transport and
// authority failures are reported as *domain.DeliveryFault.
func (c *Client) Stamp(ctx context.Context, digest string) (Token, error) {
	der, err := NewRequest(digest, c.PolicyOID)
	if err != nil {
		return Token{}, err
	}
	fault := func(err error) error { return &domain.DeliveryFault{Target: "tsa", Op: "timestamp", Err: err} }

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(der))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", queryType)
	req.Header.Set("Accept", replyType)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Token{}, fault(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReply))
	if err != nil {
		return Token{}, fault(err)
	}
	if resp.StatusCode != http.StatusOK {
		return Token{}, fault(fmt.Errorf("authority returned %d", resp.StatusCode))
	}
	if len(body) == 0 {
		return Token{}, fault(errors.New("empty timestamp reply"))
	}
	return Token{Digest: digest, DER: body, ContentType: resp.Header.Get("Content-Type")}, nil
}

func parseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid policy oid %q", s)
	}
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid policy oid %q", s)
		}
		oid[i] = n
	}
	return oid, nil
}
