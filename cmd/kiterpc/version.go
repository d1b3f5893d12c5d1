package main

import (
	"fmt"
	"os"
	"path"
)

const (
	Major   = 0
	Minor   = 1
	PackVer = 0

	Usage       = "kite-rpc server and client"
	UsageText   = "kiterpc [-c|--config value] [--loglvl value] serve|call [arguments...]"
	ConfigUsage = "Path to config file (.toml or .yaml). if empty, will finding ./kiterpc.toml, ${HOME}/.config/kiterpc.d/config.toml and /etc/kiterpc.d/config.toml"
	LoglvlUsage = "debug,info,warn; overrides [log] level"

	FlagConfigKey = "config"
	FlagLoglvlKey = "loglvl"
)

// go build -ldflags "-X main.VERSION=`date -u +.%Y%m%d.%H%M%S`"
var (
	STAGE     = "dev"
	VERSION   string
	GITCOMMIT string

	DisplayVersion  = fmt.Sprintf("%d.%d.%d", Major, Minor, PackVer)
	DisplayName     = path.Base(os.Args[0])
	DescriptionText = fmt.Sprintf("internal version: %s-%s-%s", STAGE, VERSION, GITCOMMIT)
)
