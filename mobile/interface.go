package mobile

import (
	"os"
	"time"

	"github.com/dcrlabs/bchagent/boot"
)

// StartAgent is the function exposed to the mobile device to start the agent.
// configPath is the path to the bchagent.conf file that should be saved on
// your mobile device.
//
// Make sure you save in the config file the correct path on the device to use
// for `appdata`. Once the agent is started you control it over its HTTP API.
func StartAgent(configPath string) {
	go boot.AgentMain(&configPath)
}

// StopAgent will stop the agent and perform a clean shutdown.
func StopAgent() {
	boot.SimulateInterrupt()
	time.AfterFunc(time.Second*3, func() {
		os.Exit(1)
	})
}
