/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package slauth defines the authentication callback surface a caller plugs
// into a session; the core never interprets the credential it receives back.
package slauth

// Authenticator supplies a server-specific credential at negotiation time
// and is notified once that credential has been consumed, so it can, for
// example, evict a cached one-time token.
type Authenticator interface {
	// Value returns the opaque credential string to send for server, or an
	// error if one cannot be produced.
	Value(server string) (string, error)
	// Finish is called after the credential for server has been used,
	// whether or not negotiation ultimately succeeded.
	Finish(server string)
}

// None is the zero-value Authenticator for servers that require no
// credential exchange.
type None struct{}

// Value always returns an empty credential.
func (None) Value(string) (string, error) { return "", nil }

// Finish is a no-op.
func (None) Finish(string) {}

// Static returns an Authenticator that always supplies the same credential,
// useful for a statically configured shared secret or USERPASS string.
func Static(credential string) Authenticator {
	return staticAuth{credential: credential}
}

type staticAuth struct {
	credential string
}

func (s staticAuth) Value(string) (string, error) { return s.credential, nil }
func (staticAuth) Finish(string)                  {}
