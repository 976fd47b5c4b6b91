/*
Package config loads and validates the orchestrator configuration.

Configuration comes from a YAML file merged over built-in defaults; CLI
flags override file values. Durations accept Go duration strings ("5m",
"500ms") or bare integers meaning seconds.

The routing table maps each pipeline stage, optionally scoped to a
workspace or document type, to a model and prompt template. Resolution
precedence is workspace match, then doc_type match, then the stage
default.

	cfg, err := config.Load("/etc/docsmith/config.yaml")
	if err != nil {
		return err
	}
	timeout := cfg.StageTimeout(types.StageStructure)
*/
package config
