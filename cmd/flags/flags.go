package flags

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/eatyourpeas/checktick-sub000/common"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var StoreURIFlag = &cli.StringFlag{
	Name:    "store",
	Value:   "memory://",
	EnvVars: []string{"SECRET_STORE_URI"},
	Usage:   "secret store URI (vault://host:port/mount[/prefix], file:///path, memory://)",
}

var DatabaseURLFlag = &cli.StringFlag{
	Name:    "database-url",
	EnvVars: []string{"DATABASE_URL"},
	Usage:   "Postgres connection string; in-memory repositories are used when empty",
}

var ThresholdFlag = &cli.IntFlag{
	Name:  "threshold",
	Value: 3,
	Usage: "minimum number of shares required to reconstruct the custodian component",
}

var TotalSharesFlag = &cli.IntFlag{
	Name:  "total-shares",
	Value: 5,
	Usage: "total number of shares to distribute to custodians",
}

var DelayHoursFlag = &cli.Int64Flag{
	Name:  "delay-hours",
	Value: 24,
	Usage: "mandatory waiting period between secondary approval and execution",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	StoreURIFlag,
	DatabaseURLFlag,
}
