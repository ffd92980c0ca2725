// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package auth

import (
	"encoding/json"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	mqtt "github.com/mochi-mqtt/qos2"
	"github.com/mochi-mqtt/qos2/packets"
)

const (
	Deny      Access = iota // the topic cannot be used
	ReadOnly                // deliveries only
	WriteOnly               // publishes only
	ReadWrite               // deliveries and publishes
)

// Access determines the read and write privileges of an acl filter.
type Access byte

// Permits returns true if the access allows a publish (write) or a delivery (read).
func (a Access) Permits(write bool) bool {
	if write {
		return a == WriteOnly || a == ReadWrite
	}
	return a == ReadOnly || a == ReadWrite
}

// Users contains the rules for specific users, keyed on username.
type Users map[string]UserRule

// UserRule defines the credentials and topic access of a single user.
type UserRule struct {
	Username RString `json:"username,omitempty" yaml:"username,omitempty"`
	Password RString `json:"password,omitempty" yaml:"password,omitempty"`
	ACL      Filters `json:"acl,omitempty" yaml:"acl,omitempty"`
	Disallow bool    `json:"disallow,omitempty" yaml:"disallow,omitempty"`
}

// AuthRules are connection rules applied in order to any client.
type AuthRules []AuthRule

// AuthRule allows or refuses connections matching all of its fields. Empty
// fields match anything.
type AuthRule struct {
	Client   RString `json:"client,omitempty" yaml:"client,omitempty"`
	Username RString `json:"username,omitempty" yaml:"username,omitempty"`
	Remote   RString `json:"remote,omitempty" yaml:"remote,omitempty"`
	Password RString `json:"password,omitempty" yaml:"password,omitempty"`
	Allow    bool    `json:"allow,omitempty" yaml:"allow,omitempty"`
}

// matches returns true if the rule applies to the connecting client.
func (r AuthRule) matches(cl *mqtt.Client, pk packets.Packet) bool {
	return r.Client.Matches(cl.ID) &&
		r.Username.Matches(string(cl.Properties.Username)) &&
		r.Password.Matches(string(pk.Connect.Password)) &&
		r.Remote.Matches(cl.Net.Remote)
}

// ACLRules are topic rules applied in order to any client.
type ACLRules []ACLRule

// ACLRule grants topic access to clients matching all of its identity fields.
type ACLRule struct {
	Client   RString `json:"client,omitempty" yaml:"client,omitempty"`
	Username RString `json:"username,omitempty" yaml:"username,omitempty"`
	Remote   RString `json:"remote,omitempty" yaml:"remote,omitempty"`
	Filters  Filters `json:"filters,omitempty" yaml:"filters,omitempty"`
}

// matches returns true if the rule applies to the client.
func (r ACLRule) matches(cl *mqtt.Client) bool {
	return r.Client.Matches(cl.ID) &&
		r.Username.Matches(string(cl.Properties.Username)) &&
		r.Remote.Matches(cl.Net.Remote)
}

// Filters maps topic filters to the access they grant.
type Filters map[RString]Access

// check reports whether any filter matches the topic, and whether the matching
// filters permit the operation. A matching Deny filter always refuses.
func (f Filters) check(topic string, write bool) (matched, ok bool) {
	for filter, access := range f {
		if !filter.FilterMatches(topic) {
			continue
		}

		if access == Deny {
			return true, false
		}

		matched = true
		ok = ok || access.Permits(write)
	}
	return matched, ok
}

// RString is a rule value. An empty value or "*" matches anything, and a
// trailing "*" matches by prefix.
type RString string

// Matches returns true if the rule matches a given string.
func (r RString) Matches(a string) bool {
	rr := string(r)
	if r == "" || r == "*" || a == rr {
		return true
	}

	i := strings.Index(rr, "*")
	return i > 0 && len(a) > i && rr[:i] == a[:i]
}

// FilterMatches returns true if the rule, read as a topic filter, matches the topic.
func (r RString) FilterMatches(topic string) bool {
	return mqtt.MatchTopic(string(r), topic)
}

// Ledger is an auth ledger containing access rules for users and topics.
type Ledger struct {
	sync.RWMutex `json:"-" yaml:"-"`
	Users        Users     `json:"users" yaml:"users"`
	Auth         AuthRules `json:"auth" yaml:"auth"`
	ACL          ACLRules  `json:"acl" yaml:"acl"`
}

// Update replaces the rules of the ledger with those of ln.
func (l *Ledger) Update(ln *Ledger) {
	l.Lock()
	defer l.Unlock()
	l.Users = ln.Users
	l.Auth = ln.Auth
	l.ACL = ln.ACL
}

// AuthOk returns true if the rules allow the client to connect, and the index
// of the deciding auth rule.
func (l *Ledger) AuthOk(cl *mqtt.Client, pk packets.Packet) (n int, ok bool) {
	l.RLock()
	defer l.RUnlock()

	// a known user with a password is decided by its own rule
	if u, found := l.Users[string(cl.Properties.Username)]; found &&
		u.Password != "" &&
		u.Password == RString(pk.Connect.Password) {
		return 0, !u.Disallow
	}

	for n, rule := range l.Auth {
		if rule.matches(cl, pk) {
			return n, rule.Allow
		}
	}

	return 0, false
}

// ACLOk returns true if the rules allow the client to publish (write) to or
// receive deliveries (read) from the topic. Topics no rule mentions are allowed.
func (l *Ledger) ACLOk(cl *mqtt.Client, topic string, write bool) (n int, ok bool) {
	l.RLock()
	defer l.RUnlock()

	if u, found := l.Users[string(cl.Properties.Username)]; found && len(u.ACL) > 0 {
		if matched, ok := u.ACL.check(topic, write); matched {
			return 0, ok
		}
	}

	for n, rule := range l.ACL {
		if !rule.matches(cl) {
			continue
		}

		if len(rule.Filters) == 0 {
			return n, true
		}

		if matched, ok := rule.Filters.check(topic, write); matched {
			return n, ok
		}
	}

	return 0, true
}

// ToJSON encodes the rules as JSON.
func (l *Ledger) ToJSON() (data []byte, err error) {
	l.RLock()
	defer l.RUnlock()
	return json.Marshal(l)
}

// ToYAML encodes the rules as YAML.
func (l *Ledger) ToYAML() (data []byte, err error) {
	l.RLock()
	defer l.RUnlock()
	return yaml.Marshal(l)
}

// Unmarshal decodes JSON or YAML rules, such as those read from a file.
func (l *Ledger) Unmarshal(data []byte) error {
	l.Lock()
	defer l.Unlock()
	if len(data) == 0 {
		return nil
	}

	if data[0] == '{' {
		return json.Unmarshal(data, l)
	}

	return yaml.Unmarshal(data, l)
}
