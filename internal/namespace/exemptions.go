// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package namespace

import (
	"fmt"
	"path"
	"strings"
)

// Exemption matches resources a namespace may hold and still be considered clean.
// Name is a path.Match glob.
type Exemption struct {
	Resource string
	Name     string
}

// Exemptions is the allow-list consulted by the clean check
type Exemptions []Exemption

// ParseExemptions parses "resource/name-glob" entries such as "rolebindings/system:*".
func ParseExemptions(entries []string) (Exemptions, error) {
	exemptions := make(Exemptions, 0, len(entries))
	for _, entry := range entries {
		resource, name, ok := strings.Cut(entry, "/")
		if !ok || resource == "" || name == "" {
			return nil, fmt.Errorf("invalid clean exemption %q, expected resource/name", entry)
		}
		if _, err := path.Match(name, ""); err != nil {
			return nil, fmt.Errorf("invalid clean exemption %q: %w", entry, err)
		}
		exemptions = append(exemptions, Exemption{Resource: resource, Name: name})
	}
	return exemptions, nil
}

func (e Exemptions) Exempt(resource string, name string) bool {
	for _, ex := range e {
		if ex.Resource != resource {
			continue
		}
		if ok, _ := path.Match(ex.Name, name); ok {
			return true
		}
	}
	return false
}
