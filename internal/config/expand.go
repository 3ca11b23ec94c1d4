// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strings"
)

// ExpandEnv expands ${NAME} and ${NAME:default} references inside s against
// the process environment, escaping $$ to a literal $. No example library
// in the retrieved corpus does escape-aware default-value interpolation
// inside arbitrary config string values, so this is hand-written.
func ExpandEnv(s string) (string, error) {
	var out strings.Builder
	out.Grow(len(s))

	for i := 0; i < len(s); {
		c := s[i]
		if c != '$' {
			out.WriteByte(c)
			i++
			continue
		}

		if i+1 < len(s) && s[i+1] == '$' {
			out.WriteByte('$')
			i += 2
			continue
		}

		if i+1 >= len(s) || s[i+1] != '{' {
			out.WriteByte(c)
			i++
			continue
		}

		end := strings.IndexByte(s[i+2:], '}')
		if end < 0 {
			return "", fmt.Errorf("config: unterminated ${ starting at byte %d", i)
		}
		end += i + 2

		ref := s[i+2 : end]
		name, def, hasDefault := ref, "", false
		if idx := strings.IndexByte(ref, ':'); idx >= 0 {
			name, def, hasDefault = ref[:idx], ref[idx+1:], true
		}

		if name == "" {
			return "", fmt.Errorf("config: empty variable name in %q", s[i:end+1])
		}

		if val, ok := os.LookupEnv(name); ok {
			out.WriteString(val)
		} else if hasDefault {
			out.WriteString(def)
		} else {
			return "", fmt.Errorf("config: environment variable %q not set and no default given", name)
		}

		i = end + 1
	}

	return out.String(), nil
}
