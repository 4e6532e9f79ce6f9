// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package permissions

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Decision is the result of a permission check.
type Decision struct {
	Allowed bool
	Reason  string
	AuditID string
}

// Checker evaluates grants and mailbox ACLs. It is safe for concurrent use.
type Checker struct {
	mu      sync.RWMutex
	grants  map[string][]Grant
	acl     ACLSource
	auditor Auditor
	clock   func() time.Time
}

// NewChecker creates a checker. Both acl and auditor may be nil.
func NewChecker(acl ACLSource, auditor Auditor) *Checker {
	return &Checker{
		grants:  make(map[string][]Grant),
		acl:     acl,
		auditor: auditor,
		clock:   time.Now,
	}
}

// Check reports whether identity may perform op on resource.
func (c *Checker) Check(identity string, op Operation, resource string) bool {
	return c.Evaluate(identity, op, resource).Allowed
}

// Evaluate checks a permission and emits the audit record.
func (c *Checker) Evaluate(identity string, op Operation, resource string) Decision {
	now := c.clock()
	d := c.evaluate(identity, op, resource, now)
	d.AuditID = ulid.Make().String()

	if c.auditor != nil {
		outcome := Denied
		if d.Allowed {
			outcome = Allowed
		}
		c.auditor.Audit(AuditRecord{
			ID:        d.AuditID,
			Time:      now,
			Identity:  identity,
			Operation: op,
			Resource:  resource,
			Outcome:   outcome,
			Reason:    d.Reason,
		})
	}
	return d
}

func (c *Checker) evaluate(identity string, op Operation, resource string, now time.Time) Decision {
	if identity == "" {
		return Decision{Reason: "anonymous identity"}
	}

	if name, ok := strings.CutPrefix(resource, mailboxPrefix); ok && c.acl != nil {
		if acl, ok := c.acl.MailboxACL(name); ok {
			if allowed, reason := acl.allows(identity, op); allowed {
				return Decision{Allowed: true, Reason: reason}
			}
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, who := range []string{identity, Everyone} {
		for _, g := range c.grants[who] {
			if g.expired(now) {
				continue
			}
			if g.matches(op, resource) {
				return Decision{Allowed: true, Reason: "grant " + g.String()}
			}
		}
	}
	return Decision{Reason: "no matching grant"}
}

// Grant adds a grant for identity. Granting the same operation and resource
// again replaces the expiry.
func (c *Checker) Grant(identity string, g Grant) {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.grants[identity]
	for i, existing := range list {
		if existing.Operation == g.Operation && existing.Resource == g.Resource {
			list[i] = g
			return
		}
	}
	c.grants[identity] = append(list, g)
}

// Revoke removes a grant and reports whether it existed.
func (c *Checker) Revoke(identity string, g Grant) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.grants[identity]
	for i, existing := range list {
		if existing.Operation == g.Operation && existing.Resource == g.Resource {
			list = slices.Delete(list, i, i+1)
			if len(list) == 0 {
				delete(c.grants, identity)
			} else {
				c.grants[identity] = list
			}
			return true
		}
	}
	return false
}

// Grants returns a copy of the grants of identity.
func (c *Checker) Grants(identity string) []Grant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.grants[identity])
}

// Load replaces all grants.
func (c *Checker) Load(grants map[string][]Grant) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.grants = make(map[string][]Grant, len(grants))
	for identity, list := range grants {
		c.grants[identity] = slices.Clone(list)
	}
}

// Prune drops expired grants and returns how many were removed.
func (c *Checker) Prune() int {
	now := c.clock()

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for identity, list := range c.grants {
		kept := list[:0]
		for _, g := range list {
			if g.expired(now) {
				n++
				continue
			}
			kept = append(kept, g)
		}
		if len(kept) == 0 {
			delete(c.grants, identity)
		} else {
			c.grants[identity] = kept
		}
	}
	return n
}
