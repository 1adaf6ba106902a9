package router

import (
	"errors"
	"fmt"
	"strings"
)

// ConditionKind names a routing condition.
type ConditionKind string

const (
	ConditionModelName      ConditionKind = "model_name"
	ConditionModelPrefix    ConditionKind = "model_prefix"
	ConditionUserRegion     ConditionKind = "user_region"
	ConditionMinRequestSize ConditionKind = "min_request_size"
	ConditionMinTokenCount  ConditionKind = "min_token_count"
	ConditionTimeOfDay      ConditionKind = "time_of_day"
)

// Condition is a predicate over a RoutingContext.
//
// Value is used by the model and region kinds, Threshold by the size and
// token kinds. StartHour and EndHour bound a time_of_day window as
// [StartHour, EndHour); a window with StartHour > EndHour wraps past midnight.
type Condition struct {
	Kind      ConditionKind `yaml:"type" json:"type"`
	Value     string        `yaml:"value,omitempty" json:"value,omitempty"`
	Threshold int           `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	StartHour int           `yaml:"start_hour,omitempty" json:"start_hour,omitempty"`
	EndHour   int           `yaml:"end_hour,omitempty" json:"end_hour,omitempty"`
}

// ModelName matches requests for exactly model.
func ModelName(model string) Condition {
	return Condition{Kind: ConditionModelName, Value: model}
}

// ModelPrefix matches models starting with prefix.
func ModelPrefix(prefix string) Condition {
	return Condition{Kind: ConditionModelPrefix, Value: prefix}
}

// UserRegion matches requests from region.
func UserRegion(region string) Condition {
	return Condition{Kind: ConditionUserRegion, Value: region}
}

// MinRequestSize matches requests of at least n bytes.
func MinRequestSize(n int) Condition {
	return Condition{Kind: ConditionMinRequestSize, Threshold: n}
}

// MinTokenCount matches requests estimated at n tokens or more.
func MinTokenCount(n int) Condition {
	return Condition{Kind: ConditionMinTokenCount, Threshold: n}
}

// TimeOfDay matches requests whose timestamp hour falls in [start, end).
func TimeOfDay(start, end int) Condition {
	return Condition{Kind: ConditionTimeOfDay, StartHour: start, EndHour: end}
}

// Validate checks the condition parameters.
func (c Condition) Validate() error {
	switch c.Kind {
	case ConditionModelName, ConditionModelPrefix, ConditionUserRegion:
		if c.Value == "" {
			return fmt.Errorf("%s condition requires a value", c.Kind)
		}
	case ConditionMinRequestSize, ConditionMinTokenCount:
		if c.Threshold < 0 {
			return fmt.Errorf("%s threshold is negative", c.Kind)
		}
	case ConditionTimeOfDay:
		if c.StartHour < 0 || c.StartHour > 23 || c.EndHour < 0 || c.EndHour > 24 {
			return fmt.Errorf("time_of_day hours out of range: %d-%d", c.StartHour, c.EndHour)
		}
	case "":
		return errors.New("condition type is required")
	default:
		return fmt.Errorf("unknown condition type %q", c.Kind)
	}
	return nil
}

// Matches reports whether rc satisfies the condition.
func (c Condition) Matches(rc *RoutingContext) bool {
	if rc == nil {
		return false
	}
	switch c.Kind {
	case ConditionModelName:
		return rc.Model == c.Value
	case ConditionModelPrefix:
		return strings.HasPrefix(rc.Model, c.Value)
	case ConditionUserRegion:
		return rc.UserRegion == c.Value
	case ConditionMinRequestSize:
		return rc.RequestSize >= c.Threshold
	case ConditionMinTokenCount:
		return rc.EstimatedTokens >= c.Threshold
	case ConditionTimeOfDay:
		if rc.Timestamp.IsZero() {
			return false
		}
		hour := rc.Timestamp.Hour()
		if c.StartHour <= c.EndHour {
			return hour >= c.StartHour && hour < c.EndHour
		}
		return hour >= c.StartHour || hour < c.EndHour
	default:
		return false
	}
}

func (c Condition) String() string {
	switch c.Kind {
	case ConditionModelName:
		return fmt.Sprintf("model_name == %q", c.Value)
	case ConditionModelPrefix:
		return fmt.Sprintf("model_prefix %q", c.Value)
	case ConditionUserRegion:
		return fmt.Sprintf("user_region == %q", c.Value)
	case ConditionMinRequestSize:
		return fmt.Sprintf("request_size >= %d", c.Threshold)
	case ConditionMinTokenCount:
		return fmt.Sprintf("token_count >= %d", c.Threshold)
	case ConditionTimeOfDay:
		return fmt.Sprintf("time_of_day %02d:00-%02d:00", c.StartHour, c.EndHour)
	default:
		return string(c.Kind)
	}
}
