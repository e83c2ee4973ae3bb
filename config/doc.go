// Package config loads the flux-mcf process configuration.
//
// Layers are JSON or YAML files merged over the defaults in order, followed
// by FLUXMCF_* environment overrides:
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/robot.json") // overrides base
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Maps merge key by key; lists such as sendRules are replaced as a whole.
//
// # Remote services
//
//	remote_services:
//	  camera:
//	    sendConnection: ws://10.0.0.2:5560/mcf
//	    receiveConnection: ws://0.0.0.0:5561/mcf
//	    sendRules:
//	      - topic_local: /camera/image
//	        queue_length: 2
//	    receiveRules:
//	      - topic_remote: /control/exposure
//
// Validate fills a missing topic_local or topic_remote from the other, sets
// queue_length 0 to 1 and timeout_ms 0 to 3000. Blocking send rules and
// duplicate remote topics are rejected.
//
// # Environment
//
//	FLUXMCF_LOG_LEVEL, FLUXMCF_LOG_FORMAT, FLUXMCF_LOG_FILE
//	FLUXMCF_NATS_URL, FLUXMCF_NATS_NAME
//	FLUXMCF_METRICS_ENABLED, FLUXMCF_METRICS_PORT
//	FLUXMCF_HEALTH_PORT, FLUXMCF_RECORDER_FILE
//
// SafeConfig wraps a Config for concurrent readers; Get returns a deep copy.
package config
