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
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/google/certificate-transparency-go/loglist3"
)

// DefaultLogListURL is the public v3 CT log list.
const DefaultLogListURL = loglist3.LogListURL

// CTLogInfo holds metadata about a single Certificate Transparency log.
type CTLogInfo struct {
	URL         string `json:"url"`
	Description string `json:"description"`
	OperatedBy  string `json:"operated_by"`
	State       string `json:"state"`
}

// GetCTLogs retrieves the usable logs from a v3 log list. source is either an http(s) URL
// or a path to a local copy of the list.
func GetCTLogs(ctx context.Context, source string) ([]CTLogInfo, error) {
	var body []byte
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		log.Println("Fetching CT log list from", source)
		lc := NewLogClient(source, nil)
		var raw json.RawMessage
		if err := lc.getJSON(ctx, source, &raw); err != nil {
			return nil, fmt.Errorf("error retrieving CT logs list: %w", err)
		}
		body = raw
	} else {
		log.Printf("Using local logs list from %s", source)
		data, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("failed to load local logs file '%s': %w", source, err)
		}
		body = data
	}
	return ParseLogList(body)
}

// ParseLogList parses a v3 log list and keeps logs that are neither rejected, retired nor test logs.
func ParseLogList(data []byte) ([]CTLogInfo, error) {
	list, err := loglist3.NewFromJSON(data)
	if err != nil {
		return nil, fmt.Errorf("error parsing CT logs list JSON: %w", err)
	}

	var ctlogs []CTLogInfo
	for _, operator := range list.Operators {
		for _, entry := range operator.Logs {
			if entry.URL == "" || !isLogUsable(entry) {
				continue
			}
			ctlogs = append(ctlogs, CTLogInfo{
				URL:         NormalizeLogURL(entry.URL),
				Description: entry.Description,
				OperatedBy:  operator.Name,
				State:       logState(entry.State.LogStatus()),
			})
		}
	}
	log.Printf("Found %d usable CT logs", len(ctlogs))
	return ctlogs, nil
}

func isLogUsable(entry *loglist3.Log) bool {
	switch entry.State.LogStatus() {
	case loglist3.RejectedLogStatus, loglist3.RetiredLogStatus:
		return false
	}
	return entry.Type != "test"
}

// logState names a status the way the log list spells it.
func logState(status loglist3.LogStatus) string {
	switch status {
	case loglist3.PendingLogStatus:
		return "pending"
	case loglist3.QualifiedLogStatus:
		return "qualified"
	case loglist3.UsableLogStatus:
		return "usable"
	case loglist3.ReadOnlyLogStatus:
		return "readonly"
	case loglist3.RetiredLogStatus:
		return "retired"
	case loglist3.RejectedLogStatus:
		return "rejected"
	default:
		return "unknown"
	}
}
