// Package maintenance runs scheduled storage hygiene.
//
// The Janitor purges rate limit windows and usage rows whose window ended more than
// CounterRetention ago, and claim tokens that expired more than ClaimTokenRetention ago.
// Neither job changes admission or redemption outcomes: expired windows are never consulted
// and expired claim tokens are already rejected. Jobs run on a cron schedule (UTC) and a
// run is skipped while the previous one is still in progress.
//
//	janitor := maintenance.NewJanitor(counters, store, maintenance.DefaultConfig(), metrics, logger)
//	g.Go(func() error { return janitor.Run(ctx) })
package maintenance
