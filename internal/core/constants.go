package core

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

import "time"

const (
	// STHRetries bounds the get-sth attempts made to resolve the end index.
	STHRetries = 5
	// STHRetryDelay separates get-sth attempts.
	STHRetryDelay = 2 * time.Second

	// DrainPollInterval is how often the pipeline checks whether loaders caught up with fetchers.
	DrainPollInterval = 100 * time.Millisecond

	// DecodeReason* label decode failures in counters and metrics.
	DecodeReasonUnsupported = "unsupported_type"
	DecodeReasonExtract     = "extract"
	DecodeReasonDecode      = "decode"

	// StatusInterval is the default period of the status print.
	StatusInterval = 10 * time.Second

	// Exit codes of a run.
	ExitOK          = 0
	ExitFailed      = 1
	ExitDropped     = 3
	ExitInterrupted = 130
)
