// Package policyssm loads optional rate limit overrides from an SSM
// parameter, so ceilings can be retuned per environment without a rebuild.
// The parameter holds a JSON document of partial overrides; anything absent
// keeps its compiled-in default. Absence of the parameter itself is a
// startup error only when an override param was explicitly configured.
package policyssm

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/admissiond/admissiond/internal/admission"
	"github.com/admissiond/admissiond/internal/xerrors"
)

// SSMAPI is the slice of the SSM client the loader needs.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Overrides is the parameter's JSON shape. Windows are Go duration strings
// ("15m", "1h"); nil fields keep their defaults.
type Overrides struct {
	GlobalWindow *string `json:"global_window,omitempty"`
	GlobalMax    *int    `json:"global_max,omitempty"`

	UserWindow *string `json:"user_window,omitempty"`
	UserMax    *int    `json:"user_max,omitempty"`

	SensitiveWindow *string `json:"sensitive_window,omitempty"`
	SensitiveMax    *int    `json:"sensitive_max,omitempty"`

	AdminWindow *string `json:"admin_window,omitempty"`
	AdminMax    *int    `json:"admin_max,omitempty"`

	UploadWindow *string `json:"upload_window,omitempty"`
	UploadMax    *int    `json:"upload_max,omitempty"`

	AIWindow     *string `json:"ai_window,omitempty"`
	AIPremiumMax *int    `json:"ai_premium_max,omitempty"`
	AIFreeMax    *int    `json:"ai_free_max,omitempty"`
}

// Load fetches and parses the overrides parameter.
func Load(ctx context.Context, client SSMAPI, param string) (Overrides, error) {
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return Overrides{}, xerrors.Wrapf(err, "get SSM parameter %s", param)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return Overrides{}, xerrors.Newf("SSM parameter %s has no value", param)
	}

	raw := strings.TrimSpace(*out.Parameter.Value)
	if raw == "" {
		return Overrides{}, xerrors.Newf("SSM parameter %s is empty", param)
	}

	var o Overrides
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&o); err != nil {
		return Overrides{}, xerrors.Wrapf(err, "parse policy overrides from %s", param)
	}
	return o, nil
}

// Apply merges the overrides onto base. Invalid values surface here rather
// than later as a half-applied config; the composer still validates the
// merged result.
func (o Overrides) Apply(base admission.Limits) (admission.Limits, error) {
	set := func(dst *time.Duration, s *string, name string) error {
		if s == nil {
			return nil
		}
		d, err := time.ParseDuration(*s)
		if err != nil {
			return xerrors.Wrapf(err, "override %s", name)
		}
		*dst = d
		return nil
	}

	if err := set(&base.GlobalWindow, o.GlobalWindow, "global_window"); err != nil {
		return base, err
	}
	if err := set(&base.UserWindow, o.UserWindow, "user_window"); err != nil {
		return base, err
	}
	if err := set(&base.SensitiveWindow, o.SensitiveWindow, "sensitive_window"); err != nil {
		return base, err
	}
	if err := set(&base.AdminWindow, o.AdminWindow, "admin_window"); err != nil {
		return base, err
	}
	if err := set(&base.UploadWindow, o.UploadWindow, "upload_window"); err != nil {
		return base, err
	}
	if err := set(&base.AIWindow, o.AIWindow, "ai_window"); err != nil {
		return base, err
	}

	if o.GlobalMax != nil {
		base.GlobalMax = *o.GlobalMax
	}
	if o.UserMax != nil {
		base.UserMax = *o.UserMax
	}
	if o.SensitiveMax != nil {
		base.SensitiveMax = *o.SensitiveMax
	}
	if o.AdminMax != nil {
		base.AdminMax = *o.AdminMax
	}
	if o.UploadMax != nil {
		base.UploadMax = *o.UploadMax
	}
	if o.AIPremiumMax != nil {
		base.AIPremiumMax = *o.AIPremiumMax
	}
	if o.AIFreeMax != nil {
		base.AIFreeMax = *o.AIFreeMax
	}
	return base, nil
}
