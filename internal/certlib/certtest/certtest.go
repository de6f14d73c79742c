// Package certtest builds synthetic CT log entries for tests.
package certtest

/*
ctingest — load Certificate Transparency logs into analytical stores
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"math/big"
	"testing"
	"time"

	ct "github.com/google/certificate-transparency-go"
	cttls "github.com/google/certificate-transparency-go/tls"

	"github.com/x-stp/ctingest/internal/certlib"
)

var (
	oidBusinessCategory    = asn1.ObjectIdentifier{2, 5, 4, 15}
	oidJurisdictionState   = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 60, 2, 1, 2}
	oidJurisdictionCountry = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 60, 2, 1, 3}
	oidCTPoison            = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 11129, 2, 4, 3}
)

// Options describes the leaf certificate to generate.
type Options struct {
	Subject  pkix.Name
	Issuer   pkix.Name
	DNSNames []string
	NotAfter time.Time
	// Precert adds the CT poison extension to the leaf.
	Precert bool
}

// EV returns subject ExtraNames for the extended validation attributes.
func EV(businessCategory, jurisdictionState, jurisdictionCountry string) []pkix.AttributeTypeAndValue {
	return []pkix.AttributeTypeAndValue{
		{Type: oidBusinessCategory, Value: businessCategory},
		{Type: oidJurisdictionState, Value: jurisdictionState},
		{Type: oidJurisdictionCountry, Value: jurisdictionCountry},
	}
}

// DefaultOptions returns a typical DV leaf for example.com.
func DefaultOptions() Options {
	return Options{
		Subject:  pkix.Name{CommonName: "example.com"},
		Issuer:   pkix.Name{Country: []string{"US"}, Organization: []string{"Test CA Inc"}, CommonName: "Test CA R1"},
		DNSNames: []string{"example.com", "www.example.com"},
		NotAfter: time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// NewChain generates a CA and a leaf signed by it. It returns the leaf DER and the CA DER.
func NewChain(t testing.TB, opts Options) (leafDER, caDER []byte) {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate CA key: %v", err)
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               opts.Issuer,
		NotBefore:             time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:              time.Date(2040, 1, 1, 0, 0, 0, 0, time.UTC),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	caDER, err = x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create CA certificate: %v", err)
	}
	ca, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatalf("parse CA certificate: %v", err)
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate leaf key: %v", err)
	}
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      opts.Subject,
		DNSNames:     opts.DNSNames,
		NotBefore:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:     opts.NotAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	if opts.Precert {
		leafTmpl.ExtraExtensions = []pkix.Extension{{Id: oidCTPoison, Critical: true, Value: []byte{0x05, 0x00}}}
	}
	leafDER, err = x509.CreateCertificate(rand.Reader, leafTmpl, ca, &leafKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create leaf certificate: %v", err)
	}
	return leafDER, caDER
}

func marshal(t testing.TB, v any) string {
	t.Helper()
	b, err := cttls.Marshal(v)
	if err != nil {
		t.Fatalf("tls marshal %T: %v", v, err)
	}
	return base64.StdEncoding.EncodeToString(b)
}

func asn1Certs(ders [][]byte) []ct.ASN1Cert {
	out := make([]ct.ASN1Cert, 0, len(ders))
	for _, d := range ders {
		out = append(out, ct.ASN1Cert{Data: d})
	}
	return out
}

// X509Entry wraps leafDER as an X509LogEntryType entry with chain in extra_data.
func X509Entry(t testing.TB, index uint64, leafDER []byte, chain ...[]byte) certlib.RawEntry {
	t.Helper()
	leaf := ct.MerkleTreeLeaf{
		Version:  ct.V1,
		LeafType: ct.TimestampedEntryLeafType,
		TimestampedEntry: &ct.TimestampedEntry{
			Timestamp: 1700000000000 + index,
			EntryType: ct.X509LogEntryType,
			X509Entry: &ct.ASN1Cert{Data: leafDER},
		},
	}
	return certlib.RawEntry{
		Index:     index,
		LeafInput: marshal(t, leaf),
		ExtraData: marshal(t, ct.CertificateChain{Entries: asn1Certs(chain)}),
	}
}

// PrecertEntry wraps leafDER as a PrecertLogEntryType entry; the pre-certificate and chain
// travel in extra_data.
func PrecertEntry(t testing.TB, index uint64, leafDER []byte, chain ...[]byte) certlib.RawEntry {
	t.Helper()
	parsed, err := x509.ParseCertificate(leafDER)
	if err != nil {
		t.Fatalf("parse precert: %v", err)
	}
	leaf := ct.MerkleTreeLeaf{
		Version:  ct.V1,
		LeafType: ct.TimestampedEntryLeafType,
		TimestampedEntry: &ct.TimestampedEntry{
			Timestamp: 1700000000000 + index,
			EntryType: ct.PrecertLogEntryType,
			PrecertEntry: &ct.PreCert{
				TBSCertificate: parsed.RawTBSCertificate,
			},
		},
	}
	return certlib.RawEntry{
		Index:     index,
		LeafInput: marshal(t, leaf),
		ExtraData: marshal(t, ct.PrecertChainEntry{
			PreCertificate:   ct.ASN1Cert{Data: leafDER},
			CertificateChain: asn1Certs(chain),
		}),
	}
}

// Entries returns n valid X509 entries indexed from start, all sharing one generated chain.
func Entries(t testing.TB, start uint64, n int) []certlib.RawEntry {
	t.Helper()
	leafDER, caDER := NewChain(t, DefaultOptions())
	out := make([]certlib.RawEntry, n)
	for i := range out {
		out[i] = X509Entry(t, start+uint64(i), leafDER, caDER)
	}
	return out
}
