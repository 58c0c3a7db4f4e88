// Package scheduler triggers periodic jobs (the admin stats digest) on a
// robfig/cron schedule.
package scheduler
