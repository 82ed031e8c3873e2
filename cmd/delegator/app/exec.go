// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/stacklok/delegator/pkg/engine"
	"github.com/stacklok/delegator/pkg/logger"
)

// TokenEnvVar supplies the bearer token when --token is not given, keeping it
// out of the process arguments.
const TokenEnvVar = "DELEGATOR_TOKEN"

type execFlags struct {
	token     string
	module    string
	action    string
	params    string
	requestID string
}

func newExecCmd() *cobra.Command {
	var f execFlags

	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Validate a token and run one delegated operation",
		Long: `Validate the bearer token, establish the caller's session and run a single
delegated operation. The delegation result is printed as JSON.

The token is read from --token or, when omitted, from the ` + TokenEnvVar + ` environment
variable.`,
		Example: `  delegator exec -c delegator.yaml --module warehouse --action query \
    --params '{"sql": "SELECT name FROM accounts WHERE id = $1", "params": [42]}'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExec(cmd, f)
		},
	}

	cmd.Flags().StringVar(&f.token, "token", "", "Bearer token of the caller")
	cmd.Flags().StringVar(&f.module, "module", "", "Name of the delegation module")
	cmd.Flags().StringVar(&f.action, "action", "", "Action to perform")
	cmd.Flags().StringVar(&f.params, "params", "{}", "Action parameters as a JSON object")
	cmd.Flags().StringVar(&f.requestID, "request-id", "", "Request ID recorded in the audit trail (generated when empty)")
	_ = cmd.MarkFlagRequired("module")
	_ = cmd.MarkFlagRequired("action")

	return cmd
}

func runExec(cmd *cobra.Command, f execFlags) error {
	token := f.token
	if token == "" {
		token = os.Getenv(TokenEnvVar)
	}
	if token == "" {
		return fmt.Errorf("no token given, use --token or %s", TokenEnvVar)
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(f.params), &params); err != nil {
		return fmt.Errorf("--params must be a JSON object: %w", err)
	}
	if f.requestID == "" {
		f.requestID = uuid.NewString()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	e, err := engine.FromConfig(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(ctx); err != nil {
			logger.Warnf("Failed to release components: %v", err)
		}
	}()

	res, err := e.Delegate(ctx, engine.Request{
		Token:     token,
		Module:    f.module,
		Action:    f.action,
		Params:    params,
		RequestID: f.requestID,
		Source:    "cli",
	})
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("delegation to %s failed: %s", f.module, res.Error)
	}
	return nil
}
