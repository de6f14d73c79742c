package certlib

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
	"crypto/sha1"
	"fmt"
	"strings"
	"time"

	"github.com/google/certificate-transparency-go/asn1"
	"github.com/google/certificate-transparency-go/x509"
	"github.com/google/certificate-transparency-go/x509/pkix"
)

// RawEntry is one entry exactly as served by get-entries, tagged with its log index.
type RawEntry struct {
	Index     uint64 `json:"index"`
	LeafInput string `json:"leaf_input"` // Base64 MerkleTreeLeaf
	ExtraData string `json:"extra_data"` // Base64 chain container
}

// Batch is the unit moved between fetchers and loaders. Entries are contiguous from Start.
type Batch struct {
	LogURL string `json:"log_url"`
	Start  uint64 `json:"start"`
	// RunID identifies the fetch run that produced the batch.
	RunID   string     `json:"run_id,omitempty"`
	Entries []RawEntry `json:"entries"`
}

// Len returns the number of raw entries in the batch.
func (b *Batch) Len() int {
	return len(b.Entries)
}

// Relative distinguished name attribute OIDs looked up on issuer and subject.
var (
	OIDCountry             = asn1.ObjectIdentifier{2, 5, 4, 6}
	OIDOrganization        = asn1.ObjectIdentifier{2, 5, 4, 10}
	OIDCommonName          = asn1.ObjectIdentifier{2, 5, 4, 3}
	OIDStateOrProvince     = asn1.ObjectIdentifier{2, 5, 4, 8}
	OIDSerialNumber        = asn1.ObjectIdentifier{2, 5, 4, 5}
	OIDBusinessCategory    = asn1.ObjectIdentifier{2, 5, 4, 15}
	OIDJurisdictionState   = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 60, 2, 1, 2}
	OIDJurisdictionCountry = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 60, 2, 1, 3}
)

// IssuerName holds the issuer attributes persisted per certificate.
type IssuerName struct {
	Country      string
	Organization string
	CommonName   string
}

// SubjectName holds the subject attributes persisted per certificate.
// EV certificates carry the business category and jurisdiction fields; others leave them empty.
type SubjectName struct {
	Country             string
	State               string
	Organization        string
	SerialNumber        string
	CommonName          string
	BusinessCategory    string
	JurisdictionState   string
	JurisdictionCountry string
}

// CertificateRecord is one output row.
type CertificateRecord struct {
	CertIndex       uint32
	SHA1Fingerprint string
	Issuer          IssuerName
	Subject         SubjectName
	SAN             string
	NotAfter        time.Time
}

// Columns lists the output table columns in row order.
var Columns = []string{
	"cert_index",
	"sha1_fingerprint",
	"issuer_country",
	"issuer_organization",
	"issuer_common_name",
	"subject_country",
	"subject_state",
	"subject_organization",
	"subject_serial_number",
	"subject_common_name",
	"san",
	"subject_business_category",
	"subject_jurisdiction_state",
	"subject_jurisdiction_country",
	"not_after",
}

// Values returns the record in Columns order.
func (r *CertificateRecord) Values() []any {
	return []any{
		r.CertIndex,
		r.SHA1Fingerprint,
		r.Issuer.Country,
		r.Issuer.Organization,
		r.Issuer.CommonName,
		r.Subject.Country,
		r.Subject.State,
		r.Subject.Organization,
		r.Subject.SerialNumber,
		r.Subject.CommonName,
		r.SAN,
		r.Subject.BusinessCategory,
		r.Subject.JurisdictionState,
		r.Subject.JurisdictionCountry,
		r.NotAfter,
	}
}

// Strings renders the record in Columns order for text sinks. not_after is RFC 3339 UTC.
func (r *CertificateRecord) Strings() []string {
	return []string{
		fmt.Sprintf("%d", r.CertIndex),
		r.SHA1Fingerprint,
		r.Issuer.Country,
		r.Issuer.Organization,
		r.Issuer.CommonName,
		r.Subject.Country,
		r.Subject.State,
		r.Subject.Organization,
		r.Subject.SerialNumber,
		r.Subject.CommonName,
		r.SAN,
		r.Subject.BusinessCategory,
		r.Subject.JurisdictionState,
		r.Subject.JurisdictionCountry,
		r.NotAfter.UTC().Format(time.RFC3339),
	}
}

// Fingerprint renders the SHA-1 of der as uppercase hex octets joined by ':'.
func Fingerprint(der []byte) string {
	sum := sha1.Sum(der)
	var sb strings.Builder
	sb.Grow(len(sum)*3 - 1)
	for i, b := range sum {
		if i > 0 {
			sb.WriteByte(':')
		}
		fmt.Fprintf(&sb, "%02X", b)
	}
	return sb.String()
}

// nameAttribute returns the value of oid in name, or "" when absent.
// Repeated attributes resolve to the last occurrence.
func nameAttribute(name pkix.Name, oid asn1.ObjectIdentifier) string {
	value := ""
	for _, atv := range name.Names {
		if !atv.Type.Equal(oid) {
			continue
		}
		switch v := atv.Value.(type) {
		case string:
			value = v
		case []byte:
			value = string(v)
		default:
			value = fmt.Sprint(v)
		}
	}
	return value
}

// joinSANs joins the DNS names with ';', dropping any equal to the subject common name.
func joinSANs(dnsNames []string, commonName string) string {
	kept := make([]string, 0, len(dnsNames))
	for _, name := range dnsNames {
		if name == commonName {
			continue
		}
		kept = append(kept, name)
	}
	return strings.Join(kept, ";")
}

// RecordFromCertificate extracts the persisted fields from a parsed leaf.
// A panic inside the extraction is converted to an error so the caller discards the whole record.
func RecordFromCertificate(cert *x509.Certificate, index uint64) (rec *CertificateRecord, err error) {
	if cert == nil {
		return nil, fmt.Errorf("%w: nil certificate", ErrExtract)
	}
	defer func() {
		if r := recover(); r != nil {
			rec = nil
			err = fmt.Errorf("%w: %v", ErrExtract, r)
		}
	}()

	subjectCN := nameAttribute(cert.Subject, OIDCommonName)
	rec = &CertificateRecord{
		CertIndex:       uint32(index),
		SHA1Fingerprint: Fingerprint(cert.Raw),
		Issuer: IssuerName{
			Country:      nameAttribute(cert.Issuer, OIDCountry),
			Organization: nameAttribute(cert.Issuer, OIDOrganization),
			CommonName:   nameAttribute(cert.Issuer, OIDCommonName),
		},
		Subject: SubjectName{
			Country:             nameAttribute(cert.Subject, OIDCountry),
			State:               nameAttribute(cert.Subject, OIDStateOrProvince),
			Organization:        nameAttribute(cert.Subject, OIDOrganization),
			SerialNumber:        nameAttribute(cert.Subject, OIDSerialNumber),
			CommonName:          subjectCN,
			BusinessCategory:    nameAttribute(cert.Subject, OIDBusinessCategory),
			JurisdictionState:   nameAttribute(cert.Subject, OIDJurisdictionState),
			JurisdictionCountry: nameAttribute(cert.Subject, OIDJurisdictionCountry),
		},
		SAN:      joinSANs(cert.DNSNames, subjectCN),
		NotAfter: cert.NotAfter.UTC(),
	}
	return rec, nil
}
