package redis

import "fmt"

// Redis key naming conventions for rfpflow data.
// All keys are prefixed with "rfpflow:" to avoid collisions.

const keyPrefix = "rfpflow:"

// ── Subject keys ──

// subjectKey returns the key for a subject entity: rfpflow:subject:{id}
func subjectKey(id string) string { return keyPrefix + "subject:" + id }

// ── Job keys ──

// jobKey returns the key for a job entity: rfpflow:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// queueKey is the Sorted Set holding queued job IDs scored by enqueue time.
const queueKey = keyPrefix + "queue"

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// latestJobKey maps a subject to its most recent job: rfpflow:subject_job:{id}
func latestJobKey(subjectID string) string { return keyPrefix + "subject_job:" + subjectID }

// ── Result keys ──

// resultKey returns the key for one result version:
// rfpflow:result:{subjectID}:{step}:{version}
func resultKey(subjectID, step string, version int) string {
	return fmt.Sprintf("%sresult:%s:%s:%d", keyPrefix, subjectID, step, version)
}

// resultVerKey is the atomic version counter for a (subject, step) pair:
// rfpflow:result_ver:{subjectID}:{step}
func resultVerKey(subjectID, step string) string {
	return keyPrefix + "result_ver:" + subjectID + ":" + step
}
