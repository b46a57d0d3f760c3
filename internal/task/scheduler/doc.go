// Package scheduler fires registered jobs on calendar triggers.
//
// Job state (next/last fire) is persisted through a StateStore so a restart or
// a suspended host resumes where it left off. An occurrence that was missed is
// fired once if it is less than the job's misfire grace late, and skipped otherwise.
package scheduler
