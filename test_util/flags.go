package test_util

import "flag"

// Integration tests skip themselves when the server below is unreachable.
var (
	MysqlHost     = flag.String("host", "127.0.0.1", "MySQL server host")
	MysqlPort     = flag.String("port", "3306", "MySQL server port")
	MysqlUser     = flag.String("user", "root", "MySQL user")
	MysqlPassword = flag.String("password", "", "MySQL password")
	MysqlDatabase = flag.String("db", "failover_test", "MySQL database for the topology catalog")
)
