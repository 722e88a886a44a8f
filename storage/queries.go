package storage

// NotifyChannel is the LISTEN/NOTIFY channel used to wake idle claimers.
// The payload is the survey id that gained claimable entries.
const NotifyChannel = "cati_queue_work"

const entryColumns = `
  id,
  survey_id,
  dedup_key,
  contact_name,
  contact_phone,
  contact_email,
  contact_address,
  contact_city,
  ac_tag,
  pc_tag,
  ps_tag,
  status,
  assigned_to,
  lease_expires_at,
  attempt_count,
  max_attempts,
  next_eligible_at,
  abandon_reason,
  response_ref,
  created_at,
  updated_at
`

const (
	// claimArg* constants start at 1 so they match the Postgres positional
	// parameters ($1, $2, ...) used in claimSQL; subtract 1 to index args.
	claimArgSurvey = iota + 1
	claimArgWorker
	claimArgLeaseUntil
	claimArgNow
)

// claimSQL leases the oldest eligible entry of a survey. SKIP LOCKED makes a
// concurrent claimer move on to the next candidate instead of waiting, and the
// row lock re-evaluates the eligibility predicate against the latest version,
// so two claimers can never lease the same row.
const claimSQL = `
WITH candidate AS (
	SELECT id
	FROM queue_entries
	WHERE survey_id = $1
		AND attempt_count < max_attempts
		AND (
			status = 'pending'
			OR (status = 'abandoned' AND (next_eligible_at IS NULL OR next_eligible_at <= $4))
		)
	ORDER BY created_at ASC, seq ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
),
updated AS (
	UPDATE queue_entries e
	SET
		status           = 'leased',
		assigned_to      = $2,
		lease_expires_at = $3,
		updated_at       = $4
	FROM candidate c
	WHERE e.id = c.id
	RETURNING e.*
)
SELECT` + entryColumns + `
FROM updated;`

const selectEntrySQL = "SELECT " + entryColumns + `
FROM queue_entries
WHERE id = $1;
`

const lockEntrySQL = "SELECT " + entryColumns + `
FROM queue_entries
WHERE id = $1
FOR UPDATE;
`

const selectExpiredLeasesSQL = "SELECT " + entryColumns + `
FROM queue_entries
WHERE status = 'leased' AND lease_expires_at < $1
ORDER BY lease_expires_at ASC, id ASC
LIMIT $2
FOR UPDATE SKIP LOCKED;
`

// updateOutcomeSQL is conditioned on the lease holder so the write can only
// land while the row is still leased to the worker the transition was
// computed for.
const updateOutcomeSQL = `
UPDATE queue_entries
SET status           = $3,
    assigned_to      = NULL,
    lease_expires_at = NULL,
    attempt_count    = $4,
    next_eligible_at = $5,
    abandon_reason   = $6,
    response_ref     = $7,
    updated_at       = $8
WHERE id = $1 AND status = 'leased' AND assigned_to = $2;`

const insertAttemptSQL = `
INSERT INTO queue_entry_attempts (entry_id, attempt, worker_id, outcome, reason, response_ref, resulting_status, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`

const selectAttemptsSQL = `
SELECT entry_id, attempt, worker_id, outcome, reason, response_ref, resulting_status, recorded_at
FROM queue_entry_attempts
WHERE entry_id = $1
ORDER BY attempt ASC;`

const insertEntriesPrefix = "INSERT INTO queue_entries (id, survey_id, dedup_key, contact_name, contact_phone, contact_email, contact_address, contact_city, ac_tag, pc_tag, ps_tag, max_attempts, created_at, updated_at) VALUES "

// insertEntryParams is the number of placeholders per row; created_at and
// updated_at share the last one.
const insertEntryParams = 13

const onConflictSkip = `
ON CONFLICT (survey_id, dedup_key) DO NOTHING
RETURNING id, dedup_key, (xmax = 0) AS inserted;`

// onConflictRefreshGeo updates non-empty geography tags on an existing entry.
// The phone and the rest of the contact snapshot are never touched.
const onConflictRefreshGeo = `
ON CONFLICT (survey_id, dedup_key) DO UPDATE
SET ac_tag     = COALESCE(NULLIF(EXCLUDED.ac_tag, ''), queue_entries.ac_tag),
    pc_tag     = COALESCE(NULLIF(EXCLUDED.pc_tag, ''), queue_entries.pc_tag),
    ps_tag     = COALESCE(NULLIF(EXCLUDED.ps_tag, ''), queue_entries.ps_tag),
    updated_at = EXCLUDED.updated_at
WHERE (EXCLUDED.ac_tag <> '' AND EXCLUDED.ac_tag <> queue_entries.ac_tag)
   OR (EXCLUDED.pc_tag <> '' AND EXCLUDED.pc_tag <> queue_entries.pc_tag)
   OR (EXCLUDED.ps_tag <> '' AND EXCLUDED.ps_tag <> queue_entries.ps_tag)
RETURNING id, dedup_key, (xmax = 0) AS inserted;`

const statsSQL = `
SELECT status, count(*)
FROM queue_entries
WHERE survey_id = $1
GROUP BY status;`

const statsBySurveySQL = `
SELECT survey_id, status, count(*)
FROM queue_entries
GROUP BY survey_id, status;`

const notifySQL = `SELECT pg_notify($1, $2);`

const exhaustOverLimitSQL = `
UPDATE queue_entries
SET status           = 'exhausted',
    next_eligible_at = NULL,
    updated_at       = $1
WHERE status IN ('pending', 'abandoned') AND attempt_count >= max_attempts;`

const countDuplicateKeysSQL = `
SELECT count(*)
FROM (
	SELECT 1
	FROM queue_entries
	GROUP BY survey_id, dedup_key
	HAVING count(*) > 1
) dup;`
