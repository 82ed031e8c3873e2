// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package delegation

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	apperrors "github.com/stacklok/delegator/pkg/errors"
)

// DecodeSettings decodes a free-form settings map into out, which must be a
// pointer to a struct with mapstructure tags. Durations may be given as
// strings ("30s") and lists as comma separated strings, so values coming from
// environment variables decode the same way as YAML values.
func DecodeSettings(settings map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("failed to create settings decoder: %w", err)
	}
	if err := dec.Decode(settings); err != nil {
		return apperrors.New(apperrors.CodeInvalidConfig, "invalid module settings", err)
	}
	return nil
}

// DecodeParams decodes per-call parameters into out. Unknown keys are
// ignored.
func DecodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("failed to create params decoder: %w", err)
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}
