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
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	ct "github.com/google/certificate-transparency-go"
	cttls "github.com/google/certificate-transparency-go/tls"
	"github.com/google/certificate-transparency-go/x509"
)

// Decoder errors. Every failure returned by DecodeEntry wraps ErrDecode.
var (
	ErrDecode               = errors.New("decode error")
	ErrUnsupportedEntryType = fmt.Errorf("%w: unsupported log entry type", ErrDecode)
	ErrExtract              = fmt.Errorf("%w: field extraction failed", ErrDecode)
)

// DecodedEntry is a log entry after the TLS framing and DER payloads have been parsed.
type DecodedEntry struct {
	Index     uint64
	Timestamp uint64 // Milliseconds since epoch, from the MerkleTreeLeaf.
	EntryType ct.LogEntryType
	Leaf      *x509.Certificate
	Chain     []*x509.Certificate
}

// decodeBase64 accepts standard base64 with or without trailing padding.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if missing := len(s) % 4; missing != 0 {
		s += strings.Repeat("=", 4-missing)
	}
	return base64.StdEncoding.DecodeString(s)
}

// ParseMerkleLeaf parses leaf_input bytes into a MerkleTreeLeaf and checks the framing.
func ParseMerkleLeaf(leafBytes []byte) (*ct.MerkleTreeLeaf, error) {
	var leaf ct.MerkleTreeLeaf
	rest, err := cttls.Unmarshal(leafBytes, &leaf)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed MerkleTreeLeaf: %v", ErrDecode, err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after MerkleTreeLeaf", ErrDecode, len(rest))
	}
	if leaf.Version != ct.V1 {
		return nil, fmt.Errorf("%w: unsupported MerkleTreeLeaf version %d", ErrDecode, leaf.Version)
	}
	if leaf.LeafType != ct.TimestampedEntryLeafType || leaf.TimestampedEntry == nil {
		return nil, fmt.Errorf("%w: unsupported MerkleLeafType %d", ErrDecode, leaf.LeafType)
	}
	return &leaf, nil
}

// parseDER parses one certificate, accepting the non-fatal errors CT logs are full of.
func parseDER(der []byte) (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		var nonFatal x509.NonFatalErrors
		if !errors.As(err, &nonFatal) || cert == nil {
			return nil, fmt.Errorf("%w: malformed certificate: %v", ErrDecode, err)
		}
	}
	return cert, nil
}

func parseChain(certs []ct.ASN1Cert) ([]*x509.Certificate, error) {
	chain := make([]*x509.Certificate, 0, len(certs))
	for i, c := range certs {
		cert, err := parseDER(c.Data)
		if err != nil {
			return nil, fmt.Errorf("chain[%d]: %w", i, err)
		}
		chain = append(chain, cert)
	}
	return chain, nil
}

// DecodeEntry decodes the leaf structure and certificate chain of one raw entry.
// X509 entries carry the leaf DER inside leaf_input with the chain in extra_data; precertificate
// entries carry both the pre-certificate and its chain inside extra_data.
func DecodeEntry(raw RawEntry) (*DecodedEntry, error) {
	leafBytes, err := decodeBase64(raw.LeafInput)
	if err != nil {
		return nil, fmt.Errorf("%w: leaf_input base64: %v", ErrDecode, err)
	}
	extraBytes, err := decodeBase64(raw.ExtraData)
	if err != nil {
		return nil, fmt.Errorf("%w: extra_data base64: %v", ErrDecode, err)
	}

	leaf, err := ParseMerkleLeaf(leafBytes)
	if err != nil {
		return nil, err
	}
	entry := leaf.TimestampedEntry

	var leafDER []byte
	var chainCerts []ct.ASN1Cert

	switch entry.EntryType {
	case ct.X509LogEntryType:
		if entry.X509Entry == nil {
			return nil, fmt.Errorf("%w: x509 entry missing certificate", ErrDecode)
		}
		leafDER = entry.X509Entry.Data
		var chain ct.CertificateChain
		if rest, err := cttls.Unmarshal(extraBytes, &chain); err != nil {
			return nil, fmt.Errorf("%w: malformed certificate chain: %v", ErrDecode, err)
		} else if len(rest) > 0 {
			return nil, fmt.Errorf("%w: %d trailing bytes after certificate chain", ErrDecode, len(rest))
		}
		chainCerts = chain.Entries

	case ct.PrecertLogEntryType:
		var precert ct.PrecertChainEntry
		if rest, err := cttls.Unmarshal(extraBytes, &precert); err != nil {
			return nil, fmt.Errorf("%w: malformed precert chain entry: %v", ErrDecode, err)
		} else if len(rest) > 0 {
			return nil, fmt.Errorf("%w: %d trailing bytes after precert chain entry", ErrDecode, len(rest))
		}
		leafDER = precert.PreCertificate.Data
		chainCerts = precert.CertificateChain

	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedEntryType, entry.EntryType)
	}

	leafCert, err := parseDER(leafDER)
	if err != nil {
		return nil, fmt.Errorf("leaf: %w", err)
	}
	chain, err := parseChain(chainCerts)
	if err != nil {
		return nil, err
	}

	return &DecodedEntry{
		Index:     raw.Index,
		Timestamp: entry.Timestamp,
		EntryType: entry.EntryType,
		Leaf:      leafCert,
		Chain:     chain,
	}, nil
}

// Decode turns one raw entry into the record persisted for it.
func Decode(raw RawEntry) (*CertificateRecord, error) {
	decoded, err := DecodeEntry(raw)
	if err != nil {
		return nil, err
	}
	return RecordFromCertificate(decoded.Leaf, decoded.Index)
}
