// Package policy maps event categories to delivery policies.
//
// A Table holds an ordered list of rules; the first rule whose predicate
// matches wins and a mandatory default covers everything else. Policies are
// either Batched{MaxSize, MaxWait} or Immediate, the latter replacing the
// "batch size of one" convention found in configuration files.
//
//	t, _ := policy.NewTable(policy.Batched{MaxSize: 20, MaxWait: 5 * time.Second},
//	    policy.Rule{Name: "critical", Match: policy.CategoryIn(event.MemberJoin), Policy: policy.Immediate{}},
//	)
//	p := t.Resolve(event.MemberJoin, "g1") // Immediate{}
package policy
