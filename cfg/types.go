// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cfg

import (
	"fmt"
	"strings"
)

// LogSeverity is a validated severity name.
type LogSeverity string

const (
	TraceSeverity   LogSeverity = "TRACE"
	DebugSeverity   LogSeverity = "DEBUG"
	InfoSeverity    LogSeverity = "INFO"
	WarningSeverity LogSeverity = "WARNING"
	ErrorSeverity   LogSeverity = "ERROR"
	OffSeverity     LogSeverity = "OFF"
)

func (s *LogSeverity) UnmarshalText(text []byte) error {
	level := LogSeverity(strings.ToUpper(string(text)))
	switch level {
	case TraceSeverity, DebugSeverity, InfoSeverity, WarningSeverity, ErrorSeverity, OffSeverity:
		*s = level
		return nil
	}
	return fmt.Errorf("invalid log severity: %q", text)
}

func (s LogSeverity) MarshalText() ([]byte, error) {
	return []byte(s), nil
}
