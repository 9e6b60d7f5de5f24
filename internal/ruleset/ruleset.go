// Package ruleset loads per-domain upstream request rules from YAML files.
package ruleset

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule adjusts upstream requests for the hosts it names.
type Rule struct {
	Domain  string            `yaml:"domain,omitempty"`
	Domains []string          `yaml:"domains,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// RuleSet is an ordered list of rules; the first match wins.
type RuleSet []Rule

// Load reads every .yml/.yaml file under each ";"-separated path.
// An empty path yields an empty RuleSet.
func Load(rulePaths string) (RuleSet, error) {
	var (
		ruleSet RuleSet
		errs    []error
	)

	for _, rulePath := range strings.Split(rulePaths, ";") {
		rulePath = strings.TrimSpace(rulePath)
		if rulePath == "" {
			continue
		}

		var rules RuleSet
		err := filepath.Walk(rulePath, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() || !(strings.HasSuffix(path, ".yml") || strings.HasSuffix(path, ".yaml")) {
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			var r RuleSet
			if err := yaml.Unmarshal(data, &r); err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			rules = append(rules, r...)
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("ruleset: load %s: %w", rulePath, err))
			continue
		}
		ruleSet = append(ruleSet, rules...)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return ruleSet, nil
}

// Match returns the first rule naming host or a parent domain of host.
func (rs RuleSet) Match(host string) (Rule, bool) {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return Rule{}, false
	}
	for _, rule := range rs {
		domains := rule.Domains
		if rule.Domain != "" {
			domains = append([]string{rule.Domain}, domains...)
		}
		for _, d := range domains {
			d = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
			if d != "" && (host == d || strings.HasSuffix(host, "."+d)) {
				return rule, true
			}
		}
	}
	return Rule{}, false
}

// Domains reports how many domains the rule set covers.
func (rs RuleSet) Domains() int {
	n := 0
	for _, rule := range rs {
		n += len(rule.Domains)
		if rule.Domain != "" {
			n++
		}
	}
	return n
}

// RequestHeaders splits the rule's headers into extra upstream headers and an
// explicit User-Agent override.
func (r Rule) RequestHeaders() (extra map[string]string, userAgent string) {
	extra = make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		if v == "" {
			continue
		}
		if http.CanonicalHeaderKey(k) == "User-Agent" {
			userAgent = v
			continue
		}
		extra[http.CanonicalHeaderKey(k)] = v
	}
	return extra, userAgent
}
