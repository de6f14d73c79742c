// Package util holds small helpers shared by the sinks and the CLI.
package util

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

import "strings"

const maxFilenameLength = 100

// SanitizeFilename maps characters that are unsafe in file names to '_' and caps the length.
func SanitizeFilename(input string) string {
	replaced := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, input)
	if len(replaced) > maxFilenameLength {
		return replaced[:maxFilenameLength]
	}
	return replaced
}

// LogFileStem turns a log URL into a stable file name stem,
// e.g. "https://ct.cloudflare.com/logs/nimbus2025/" becomes "ct.cloudflare.com_logs_nimbus2025".
func LogFileStem(logURL string) string {
	s := strings.TrimPrefix(strings.TrimPrefix(logURL, "https://"), "http://")
	s = strings.Trim(s, "/")
	if s == "" {
		return "ctlog"
	}
	return SanitizeFilename(s)
}
