package vm

import "github.com/tliron/commonlog"

var logger = commonlog.GetLogger("looptier.vm")
