// signing.go: deterministic module signatures
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// canonicalModuleEncoding renders the signed fields of a spec in a fixed
// order. List fields are sorted so declaration order does not matter.
func canonicalModuleEncoding(spec *ModuleSpec) []byte {
	var b strings.Builder
	field := func(name, value string) {
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(len(value)))
		b.WriteByte(':')
		b.WriteString(value)
		b.WriteByte('\n')
	}
	list := func(name string, values []string) {
		sorted := append([]string(nil), values...)
		sort.Strings(sorted)
		field(name, strings.Join(sorted, ","))
	}

	field("id", spec.ID)
	field("name", spec.Name)
	field("version", spec.Version)
	field("source", spec.Source)
	list("dependencies", spec.Dependencies)
	list("permissions", spec.Permissions)
	list("provides", spec.ProvidedServices)
	field("code", spec.Code)
	return []byte(b.String())
}

// SignModule computes the signature for spec: HMAC-SHA256 with key when a
// key is given, a plain SHA-256 digest otherwise. The result is hex encoded.
func SignModule(spec *ModuleSpec, key string) string {
	data := canonicalModuleEncoding(spec)
	if key == "" {
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyModuleSignature reports whether spec.Signature matches SignModule(spec, key).
func VerifyModuleSignature(spec *ModuleSpec, key string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(spec.Signature))
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(SignModule(spec, key))
	return hmac.Equal(got, want)
}
