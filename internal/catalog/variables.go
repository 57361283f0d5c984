package catalog

import (
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/ashureev/questline/internal/domain"
)

const maxVariableNameLen = 50

var (
	placeholderRe  = regexp.MustCompile(`\{\{(\w+)\}\}`)
	variableNameRe = regexp.MustCompile(`^[A-Za-z_]\w*$`)
)

// reservedVariables are always available and cannot be redefined.
var reservedVariables = []string{
	"title",
	"description",
	"difficulty",
	"xp_reward",
	"passing_score",
	"estimated_time",
	"tags",
	"help_resources",
}

// Variables returns every placeholder value available to a challenge's
// prompts. Custom variables never shadow reserved ones.
func Variables(ch *domain.Challenge) map[string]string {
	resources := "[]"
	if len(ch.HelpResources) > 0 {
		if b, err := json.Marshal(ch.HelpResources); err == nil {
			resources = string(b)
		}
	}
	vars := map[string]string{
		"title":          ch.Title,
		"description":    ch.Description,
		"difficulty":     ch.Difficulty,
		"xp_reward":      strconv.Itoa(ch.XPReward),
		"passing_score":  strconv.Itoa(ch.PassingScore),
		"estimated_time": strconv.Itoa(ch.EstimatedMinutes),
		"tags":           strings.Join(ch.Tags, ", "),
		"help_resources": resources,
	}
	for k, v := range ch.CustomVariables {
		if !slices.Contains(reservedVariables, k) {
			vars[k] = v
		}
	}
	return vars
}

// Placeholders lists the distinct {{name}} references in template, in order
// of first appearance.
func Placeholders(template string) []string {
	var names []string
	for _, m := range placeholderRe.FindAllStringSubmatch(template, -1) {
		if !slices.Contains(names, m[1]) {
			names = append(names, m[1])
		}
	}
	return names
}

// Substitute replaces every {{name}} in template. Any unresolvable name
// fails the whole substitution.
func Substitute(template string, vars map[string]string) (string, error) {
	var missing []string
	for _, name := range Placeholders(template) {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("cannot resolve variables: %s; available variables: %s",
			strings.Join(missing, ", "), strings.Join(slices.Sorted(maps.Keys(vars)), ", "))
	}
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		return vars[m[2:len(m)-2]]
	}), nil
}

// ValidateVariableName checks a custom variable name.
func ValidateVariableName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("variable name is empty")
	case len(name) > maxVariableNameLen:
		return fmt.Errorf("variable name %q is too long (max %d characters)", name, maxVariableNameLen)
	case name[0] >= '0' && name[0] <= '9':
		return fmt.Errorf("variable name %q cannot start with a number", name)
	case !variableNameRe.MatchString(name):
		return fmt.Errorf("variable name %q must contain only letters, numbers and underscores", name)
	case slices.Contains(reservedVariables, name):
		return fmt.Errorf("%q is a reserved variable name", name)
	}
	return nil
}
