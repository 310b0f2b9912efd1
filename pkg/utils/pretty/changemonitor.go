/*
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

package pretty

import (
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/patrickmn/go-cache"
)

// ChangeMonitor remembers value hashes per key so callers can log a payload
// only when it changed. Entries expire after the visibility timeout, so a
// stable value still surfaces periodically in long-lived processes.
type ChangeMonitor struct {
	lastSeen *cache.Cache
}

func NewChangeMonitor(visibilityTimeout time.Duration) *ChangeMonitor {
	if visibilityTimeout == 0 {
		visibilityTimeout = 24 * time.Hour
	}
	return &ChangeMonitor{
		lastSeen: cache.New(visibilityTimeout, visibilityTimeout/2),
	}
}

// HasChanged hashes value and reports whether it differs from the hash last
// seen under key, recording the new hash when it does.
func (c *ChangeMonitor) HasChanged(key string, value any) bool {
	hv, _ := hashstructure.Hash(value, hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true})
	existing, ok := c.lastSeen.Get(key)
	if ok && existing.(uint64) == hv {
		return false
	}
	c.lastSeen.SetDefault(key, hv)
	return true
}
