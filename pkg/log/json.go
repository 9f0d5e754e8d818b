// Copyright 2018 The gVisor Authors.
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

package log

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// jsonLog is one line of JSONEmitter output. A "[name] " tag added by a
// component logger is moved out of the message into Component.
type jsonLog struct {
	Msg       string    `json:"msg"`
	Component string    `json:"component,omitempty"`
	Level     Level     `json:"level"`
	Time      time.Time `json:"time"`
	Caller    string    `json:"caller,omitempty"`
}

// MarshalJSON implements json.Marshaler.MarshalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	switch l {
	case Warning, Info, Debug:
		return json.Marshal(strings.ToLower(l.String()))
	}
	return nil, fmt.Errorf("unknown level %v", l)
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. It accepts level
// names and the numeric levels.
func (l *Level) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		lvl, err := ParseLevel(name)
		if err != nil {
			return err
		}
		*l = lvl
		return nil
	}
	var n uint32
	if err := json.Unmarshal(b, &n); err != nil || n > uint32(Debug) {
		return fmt.Errorf("unknown level %s", b)
	}
	*l = Level(n)
	return nil
}

// splitComponent separates a leading "[name] " tag from msg.
func splitComponent(msg string) (component, rest string) {
	if !strings.HasPrefix(msg, "[") {
		return "", msg
	}
	end := strings.Index(msg, "] ")
	if end < 0 {
		return "", msg
	}
	return msg[1:end], msg[end+2:]
}

// JSONEmitter logs messages in json format, one object per line.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	j := jsonLog{Level: level, Time: timestamp, Caller: caller(depth)}
	j.Component, j.Msg = splitComponent(fmt.Sprintf(format, v...))
	b, err := json.Marshal(j)
	if err != nil {
		panic(err)
	}
	e.Writer.Write(b)
}
