// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package policy_test

import (
	"context"
	"fmt"

	"github.com/jllopis/steward/pkg/policy"
	"github.com/jllopis/steward/pkg/registry"
)

func ExampleEngine_Evaluate() {
	engine, err := policy.NewEngine(nil, []string{"smtp.example.com"})
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	ctx := context.Background()
	send := policy.Action{
		Verb:        "mail.send",
		AgentID:     "mail-agent",
		Annotations: []registry.Annotation{registry.AnnotationWrite},
	}

	d := engine.Evaluate(ctx, send, policy.Context{})
	fmt.Println(d.Effect, d.Rule, d.Version)

	if _, err := engine.Put(ctx, policy.Rule{
		Name:      "no-mail-send",
		Condition: policy.Condition{Verb: "mail.send"},
		Action:    policy.EffectDeny,
		Priority:  10,
	}); err != nil {
		fmt.Println("error:", err)
		return
	}
	d = engine.Evaluate(ctx, send, policy.Context{})
	fmt.Println(d.Effect, d.Rule, d.Version)
	// Output:
	// require_approval default:write 1
	// deny no-mail-send 2
}
