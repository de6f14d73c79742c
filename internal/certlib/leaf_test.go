package certlib_test

import (
	"crypto/sha1"
	"crypto/x509/pkix"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	ct "github.com/google/certificate-transparency-go"
	cttls "github.com/google/certificate-transparency-go/tls"

	"github.com/x-stp/ctingest/internal/certlib"
	"github.com/x-stp/ctingest/internal/certlib/certtest"
)

func TestDecodeX509Entry(t *testing.T) {
	t.Parallel()
	opts := certtest.DefaultOptions()
	opts.Subject = pkix.Name{
		Country:      []string{"NL"},
		Province:     []string{"Noord-Holland"},
		Organization: []string{"Example BV"},
		SerialNumber: "34567890",
		CommonName:   "example.com",
		ExtraNames:   certtest.EV("Private Organization", "Utrecht", "NL"),
	}
	leafDER, caDER := certtest.NewChain(t, opts)
	raw := certtest.X509Entry(t, 42, leafDER, caDER)

	rec, err := certlib.Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	if rec.CertIndex != 42 {
		t.Errorf("CertIndex = %d, want 42", rec.CertIndex)
	}
	if want := (certlib.IssuerName{Country: "US", Organization: "Test CA Inc", CommonName: "Test CA R1"}); rec.Issuer != want {
		t.Errorf("Issuer = %+v, want %+v", rec.Issuer, want)
	}
	want := certlib.SubjectName{
		Country:             "NL",
		State:               "Noord-Holland",
		Organization:        "Example BV",
		SerialNumber:        "34567890",
		CommonName:          "example.com",
		BusinessCategory:    "Private Organization",
		JurisdictionState:   "Utrecht",
		JurisdictionCountry: "NL",
	}
	if rec.Subject != want {
		t.Errorf("Subject = %+v, want %+v", rec.Subject, want)
	}
	if rec.SAN != "www.example.com" {
		t.Errorf("SAN = %q, want %q", rec.SAN, "www.example.com")
	}
	if !rec.NotAfter.Equal(opts.NotAfter) || rec.NotAfter.Location() != time.UTC {
		t.Errorf("NotAfter = %v, want %v in UTC", rec.NotAfter, opts.NotAfter)
	}
}

func TestDecodeFingerprint(t *testing.T) {
	t.Parallel()
	leafDER, caDER := certtest.NewChain(t, certtest.DefaultOptions())
	rec, err := certlib.Decode(certtest.X509Entry(t, 1, leafDER, caDER))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	pairs := strings.Split(rec.SHA1Fingerprint, ":")
	if len(pairs) != 20 {
		t.Fatalf("fingerprint has %d pairs, want 20: %s", len(pairs), rec.SHA1Fingerprint)
	}
	for _, p := range pairs {
		if len(p) != 2 || strings.ToUpper(p) != p {
			t.Fatalf("fingerprint pair %q is not two uppercase hex digits", p)
		}
	}
	sum := sha1.Sum(leafDER)
	if got, want := strings.ReplaceAll(rec.SHA1Fingerprint, ":", ""), fmt.Sprintf("%X", sum); got != want {
		t.Errorf("fingerprint = %s, want %s", got, want)
	}
}

func TestDecodeDeterministic(t *testing.T) {
	t.Parallel()
	raw := certtest.Entries(t, 7, 1)[0]
	first, err := certlib.Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := certlib.Decode(raw)
		if err != nil {
			t.Fatalf("Decode() run %d error = %v", i, err)
		}
		if *again != *first {
			t.Fatalf("Decode() run %d = %+v, want %+v", i, again, first)
		}
	}
}

func TestDecodePrecertMatchesX509(t *testing.T) {
	t.Parallel()
	opts := certtest.DefaultOptions()
	opts.Precert = true
	leafDER, caDER := certtest.NewChain(t, opts)

	x509Rec, err := certlib.Decode(certtest.X509Entry(t, 9, leafDER, caDER))
	if err != nil {
		t.Fatalf("Decode(x509) error = %v", err)
	}
	precertRec, err := certlib.Decode(certtest.PrecertEntry(t, 9, leafDER, caDER))
	if err != nil {
		t.Fatalf("Decode(precert) error = %v", err)
	}
	if *x509Rec != *precertRec {
		t.Errorf("precert record %+v differs from x509 record %+v", precertRec, x509Rec)
	}
}

func TestDecodeEntryChain(t *testing.T) {
	t.Parallel()
	leafDER, caDER := certtest.NewChain(t, certtest.DefaultOptions())
	decoded, err := certlib.DecodeEntry(certtest.PrecertEntry(t, 3, leafDER, caDER))
	if err != nil {
		t.Fatalf("DecodeEntry() error = %v", err)
	}
	if decoded.EntryType != ct.PrecertLogEntryType {
		t.Errorf("EntryType = %v, want precert", decoded.EntryType)
	}
	if len(decoded.Chain) != 1 || decoded.Chain[0].Subject.CommonName != "Test CA R1" {
		t.Errorf("unexpected chain %+v", decoded.Chain)
	}
	if decoded.Timestamp != 1700000000003 {
		t.Errorf("Timestamp = %d", decoded.Timestamp)
	}
}

func TestDecodeMissingAttributes(t *testing.T) {
	t.Parallel()
	opts := certtest.DefaultOptions()
	opts.Subject = pkix.Name{}
	opts.Issuer = pkix.Name{CommonName: "Bare CA"}
	opts.DNSNames = nil
	leafDER, caDER := certtest.NewChain(t, opts)

	rec, err := certlib.Decode(certtest.X509Entry(t, 0, leafDER, caDER))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if rec.Subject != (certlib.SubjectName{}) {
		t.Errorf("Subject = %+v, want all empty", rec.Subject)
	}
	if rec.Issuer.Country != "" || rec.Issuer.Organization != "" || rec.Issuer.CommonName != "Bare CA" {
		t.Errorf("Issuer = %+v", rec.Issuer)
	}
	if rec.SAN != "" {
		t.Errorf("SAN = %q, want empty", rec.SAN)
	}
}

func TestDecodeToleratesMissingPadding(t *testing.T) {
	t.Parallel()
	raw := certtest.Entries(t, 0, 1)[0]
	raw.LeafInput = strings.TrimRight(raw.LeafInput, "=")
	raw.ExtraData = strings.TrimRight(raw.ExtraData, "=")
	if _, err := certlib.Decode(raw); err != nil {
		t.Fatalf("Decode() without padding error = %v", err)
	}
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()
	good := certtest.Entries(t, 0, 1)[0]

	b64 := func(b []byte) string { return base64.StdEncoding.EncodeToString(b) }
	unknownType, err := cttls.Marshal(ct.MerkleTreeLeaf{
		Version:  ct.V1,
		LeafType: ct.TimestampedEntryLeafType,
		TimestampedEntry: &ct.TimestampedEntry{
			EntryType: ct.XJSONLogEntryType,
			JSONEntry: &ct.JSONDataEntry{Data: []byte(`{}`)},
		},
	})
	if err != nil {
		t.Fatalf("marshal JSON leaf: %v", err)
	}

	tests := []struct {
		name    string
		raw     certlib.RawEntry
		wantErr error
	}{
		{"bad base64", certlib.RawEntry{LeafInput: "!!!", ExtraData: good.ExtraData}, certlib.ErrDecode},
		{"empty leaf", certlib.RawEntry{LeafInput: "", ExtraData: good.ExtraData}, certlib.ErrDecode},
		{"truncated leaf", certlib.RawEntry{LeafInput: b64([]byte{0, 0, 1, 2}), ExtraData: good.ExtraData}, certlib.ErrDecode},
		{"garbage chain", certlib.RawEntry{LeafInput: good.LeafInput, ExtraData: b64([]byte{0xff})}, certlib.ErrDecode},
		{"unsupported type", certlib.RawEntry{LeafInput: b64(unknownType), ExtraData: good.ExtraData}, certlib.ErrUnsupportedEntryType},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec, err := certlib.Decode(tc.raw)
			if err == nil {
				t.Fatalf("Decode() = %+v, want error", rec)
			}
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Decode() error = %v, want %v", err, tc.wantErr)
			}
			if !errors.Is(err, certlib.ErrDecode) {
				t.Errorf("Decode() error = %v does not wrap ErrDecode", err)
			}
		})
	}
}

func TestDecodeCorruptDER(t *testing.T) {
	t.Parallel()
	leafDER, caDER := certtest.NewChain(t, certtest.DefaultOptions())
	corrupt := append([]byte(nil), leafDER[:len(leafDER)/2]...)
	if _, err := certlib.Decode(certtest.X509Entry(t, 0, corrupt, caDER)); !errors.Is(err, certlib.ErrDecode) {
		t.Fatalf("Decode() error = %v, want ErrDecode", err)
	}
}

func BenchmarkDecode(b *testing.B) {
	raw := certtest.Entries(b, 0, 1)[0]
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := certlib.Decode(raw); err != nil {
			b.Fatal(err)
		}
	}
}
