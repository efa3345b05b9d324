// Package health keeps the fleet alive between operator commands.
//
// A Monitor wakes every health_interval and checks every installed node in
// batches of batch_size:
//
//	no PID record            stopped    left alone
//	record, process gone     crashed    group leftovers stopped, then
//	                                    relaunched at once
//	alive, inside grace      starting   not probed
//	alive, probe ok          healthy    failure count reset
//	alive, probe fails       failing    restarted once the count reaches
//	                                    unhealthy_threshold
//
// Recovery is delegated to a RecoverFunc, normally cluster.Manager.Recover,
// so relaunches from the monitor and from the API follow the same port
// checks. A node that was stopped on purpose has no PID record and is never
// resurrected.
//
// Per-node records (last check, consecutive failures, restarts) are kept in
// memory and served by the status API.
//
// Example:
//
//	mon := health.NewMonitor(reg, sup, store, log)
//	mon.SetRecoverFunction(mgr.Recover)
//	go mon.Run(ctx)
package health
