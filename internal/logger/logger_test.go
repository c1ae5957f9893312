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

package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type LoggerTest struct {
	suite.Suite
	buf bytes.Buffer
}

func TestLoggerSuite(t *testing.T) {
	suite.Run(t, new(LoggerTest))
}

func (t *LoggerTest) SetupTest() {
	t.buf.Reset()
	defaultLogger = slog.New(newHandler(&t.buf, "text"))
}

func (t *LoggerTest) emitAll() {
	Tracef("trace %d", 1)
	Debugf("debug %d", 2)
	Infof("info %d", 3)
	Warnf("warn %d", 4)
	Errorf("error %d", 5)
}

func (t *LoggerTest) TestInfoLevelFiltersTraceAndDebug() {
	setLoggingLevel("INFO")
	t.emitAll()
	out := t.buf.String()
	assert.NotContains(t.T(), out, "trace 1")
	assert.NotContains(t.T(), out, "debug 2")
	assert.Contains(t.T(), out, "info 3")
	assert.Contains(t.T(), out, "warn 4")
	assert.Contains(t.T(), out, "error 5")
}

func (t *LoggerTest) TestTraceLevelEmitsEverything() {
	setLoggingLevel("TRACE")
	t.emitAll()
	out := t.buf.String()
	assert.Contains(t.T(), out, "trace 1")
	assert.Contains(t.T(), out, "level=TRACE")
	assert.Contains(t.T(), out, "error 5")
}

func (t *LoggerTest) TestOffSilencesEverything() {
	setLoggingLevel("OFF")
	t.emitAll()
	assert.Empty(t.T(), t.buf.String())
}

func (t *LoggerTest) TestJSONFormat() {
	defaultLogger = slog.New(newHandler(&t.buf, "json"))
	setLoggingLevel("INFO")
	Infof("structured")
	assert.Contains(t.T(), t.buf.String(), `"msg":"structured"`)
}
