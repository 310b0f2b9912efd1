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

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Tag is a rendered key/value pair handed to the service drivers. The engine
// never mutates instance tags itself.
type Tag struct {
	Key   string
	Value string
}

// TagVariables supplies the values substituted into tag templates.
type TagVariables struct {
	// Stack replaces {scheduler}.
	Stack string
	// At stamps {year}, {month}, {day}, {hour}, {minute}; rendered in UTC,
	// {timezone} is therefore always "UTC".
	At time.Time
}

func (v TagVariables) values() map[string]string {
	at := v.At.UTC()
	return map[string]string{
		"scheduler": v.Stack,
		"year":      fmt.Sprintf("%04d", at.Year()),
		"month":     fmt.Sprintf("%02d", int(at.Month())),
		"day":       fmt.Sprintf("%02d", at.Day()),
		"hour":      fmt.Sprintf("%02d", at.Hour()),
		"minute":    fmt.Sprintf("%02d", at.Minute()),
		"timezone":  "UTC",
	}
}

// RenderTags expands a "key=value,key2=value2" template. A comma inside a
// value is kept by folding comma-separated fragments without an "=" back onto
// the previous key. Template variables are substituted in a single
// left-to-right pass; a substituted value is never re-expanded, so rendering
// an already-rendered template returns it unchanged. Keys reserved by the
// platform (aws:, cloudformation: prefixes) are dropped.
func RenderTags(template string, vars TagVariables) []Tag {
	if template == "" {
		return nil
	}
	var tags []Tag
	for _, fragment := range strings.Split(template, ",") {
		if key, value, found := strings.Cut(fragment, "="); found {
			tags = append(tags, Tag{Key: key, Value: value})
		} else if len(tags) > 0 {
			tags[len(tags)-1].Value = strings.Join([]string{tags[len(tags)-1].Value, fragment}, ",")
		}
	}
	values := vars.values()
	tags = lo.Filter(tags, func(tag Tag, _ int) bool {
		lowered := strings.ToLower(tag.Key)
		return !strings.HasPrefix(lowered, "aws:") && !strings.HasPrefix(lowered, "cloudformation:")
	})
	return lo.Map(tags, func(tag Tag, _ int) Tag {
		return Tag{Key: tag.Key, Value: expand(tag.Value, values)}
	})
}

// expand walks value once, replacing {name} tokens whose name is a known
// variable. Unknown tokens and the replacement text itself pass through
// untouched.
func expand(value string, vars map[string]string) string {
	var sb strings.Builder
	for {
		open := strings.IndexByte(value, '{')
		if open < 0 {
			sb.WriteString(value)
			return sb.String()
		}
		closing := strings.IndexByte(value[open:], '}')
		if closing < 0 {
			sb.WriteString(value)
			return sb.String()
		}
		name := value[open+1 : open+closing]
		sb.WriteString(value[:open])
		if replacement, ok := vars[name]; ok {
			sb.WriteString(replacement)
		} else {
			sb.WriteString(value[open : open+closing+1])
		}
		value = value[open+closing+1:]
	}
}

// StartedTagList renders the tags applied when instances start.
func (c *SchedulerConfiguration) StartedTagList(vars TagVariables) []Tag {
	return RenderTags(c.StartedTags, vars)
}

// StoppedTagList renders the tags applied when instances stop.
func (c *SchedulerConfiguration) StoppedTagList(vars TagVariables) []Tag {
	return RenderTags(c.StoppedTags, vars)
}

// TagKeys projects tags onto their keys, for the delete side of a tag swap.
func TagKeys(tags []Tag) []string {
	return lo.Map(tags, func(tag Tag, _ int) string { return tag.Key })
}
