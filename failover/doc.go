// Package failover runs the local failover worker of a replicated MySQL
// service.
//
// Every polling interval the Monitor checks whether the local node can take
// writes. After more consecutive failures than the threshold it asks the
// other eligible services of the tier whether they also see the primary as
// unhealthy. With a strict majority of reachable peers agreeing, and the
// cooldown since the last election elapsed, it elects and promotes a
// replacement.
//
// Only GTID replication is supported, so repointing a replica never needs
// binlog coordinates.
package failover
