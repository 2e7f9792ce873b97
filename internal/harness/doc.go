// Package harness runs workflow scenarios: YAML files that seed work orders,
// drive the workflow service step by step and check the outcome.
//
// # Scenario Format
//
//	name: rework_loop
//	description: "A printer sends a job back for rework"
//	definition: workflow.cue          # optional, relative to the file
//	jobs:
//	  - id: job-7
//	    status: en_impression
//	    created_by: u1
//	    equipment_class: offset
//	    attachments: [bat.pdf]
//	actors:
//	  printer: {id: p1, role: imprimeur, equipment_class: offset}
//	steps:
//	  - change_status: {job: job-7, to: "À revoir", actor: printer}
//	    expect: {status: a_revoir}
//	  - fail_next: {op: mutate, in_flight: true}
//	  - push: '{"event":"entity-changed","dossier_id":"job-7"}'
//	assertions:
//	  - type: trace_count
//	    event: notification
//	    count: 1
//	  - type: final_state
//	    job: job-7
//	    status: a_revoir
//	    history: ["en_impression->a_revoir"]
//
// Each step holds exactly one of change_status, get, available, suggest,
// normalize, push, invalidate, reject_next and fail_next.
//
// # Assertion Types
//
//   - trace_contains: some trace line contains a substring
//   - trace_order: substrings match trace lines in order
//   - trace_count: a subscriber event type was delivered exactly N times
//   - final_state: the authority's status and journal for a work order
//   - remote_calls: how many fetch, list or mutate calls the authority saw
//
// # Traces
//
// A trace is plain text, one line per entry:
//
//	invoke change_status job=job-7 to="À revoir" actor=p1/imprimeur
//	complete change_status ok status=a_revoir
//	event dossier_updated job-7
//	event notification dossier_needs_rework job=job-7 roles=preparateur users=u1 "..."
//
// Auto-chained transitions appear as "chain auto" lines after their own
// events. Runs are deterministic: a fresh in-memory authority, a manual
// clock, sequential ids, and auto-chains drained before the next step.
package harness
