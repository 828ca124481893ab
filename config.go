package adaptation

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/always-cache/adaptation-registry/pkg/service"
)

// ServiceDirective is one parsed `adaptation_service` line.
type ServiceDirective struct {
	Identity       string
	Method         service.Method
	VectoringPoint service.VectoringPoint
	Bypass         service.Bypass
	Endpoint       service.Endpoint
}

// Config is the parsed form of a registry configuration: the policy
// directives plus every `adaptation_service` line.
type Config struct {
	service.Config
	Services []ServiceDirective
}

// DefaultConfig matches the directive defaults: adaptation_service_failure_limit
// disabled, 180s revival delay, 30s min_update_gap, 20s expected_probe_duration.
func DefaultConfig() Config {
	return Config{Config: service.DefaultConfig()}
}

var serviceKinds = map[string]struct {
	method service.Method
	vp     service.VectoringPoint
}{
	"reqmod_precache":   {service.ReqMod, service.PreCache},
	"reqmod_postcache":  {service.ReqMod, service.PostCache},
	"respmod_precache":  {service.RespMod, service.PreCache},
	"respmod_postcache": {service.RespMod, service.PostCache},
}

// ParseConfig parses the line-oriented adaptation_service directive
// grammar. Blank lines and lines starting with "#" are ignored, matching
// the squid.conf-family convention the grammar is drawn from. A parse
// error halts loading and reports the offending line.
func ParseConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		directive := fields[0]
		args := fields[1:]

		var err error
		switch directive {
		case "adaptation_service_failure_limit":
			err = parseIntArg(args, &cfg.FailureLimit)
		case "adaptation_service_revival_delay":
			err = parseSecondsArg(args, &cfg.RevivalDelay)
		case "min_update_gap":
			err = parseSecondsArg(args, &cfg.MinUpdateGap)
		case "expected_probe_duration":
			err = parseSecondsArg(args, &cfg.ExpectedProbeDuration)
		case "adaptation_service":
			var d ServiceDirective
			d, err = parseServiceDirective(args)
			if err == nil {
				cfg.Services = append(cfg.Services, d)
			}
		default:
			err = fmt.Errorf("unknown directive %q", directive)
		}
		if err != nil {
			return cfg, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parseIntArg(args []string, dst *int) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one integer argument")
	}
	v, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", args[0], err)
	}
	*dst = v
	return nil
}

func parseSecondsArg(args []string, dst *time.Duration) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one integer (seconds) argument")
	}
	v, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", args[0], err)
	}
	*dst = time.Duration(v) * time.Second
	return nil
}

func parseServiceDirective(args []string) (ServiceDirective, error) {
	if len(args) != 4 {
		return ServiceDirective{}, fmt.Errorf("adaptation_service requires 4 arguments (identity kind bypass uri), got %d", len(args))
	}
	identity, kind, bypassArg, uri := args[0], args[1], args[2], args[3]

	k, ok := serviceKinds[kind]
	if !ok {
		return ServiceDirective{}, fmt.Errorf("unknown adaptation_service kind %q", kind)
	}

	var bypass service.Bypass
	switch bypassArg {
	case "0":
		bypass = service.Essential
	case "1":
		bypass = service.Optional
	default:
		return ServiceDirective{}, fmt.Errorf("adaptation_service bypass must be 0 or 1, got %q", bypassArg)
	}

	ep, err := service.ParseEndpoint(uri)
	if err != nil {
		return ServiceDirective{}, err
	}

	return ServiceDirective{
		Identity:       identity,
		Method:         k.method,
		VectoringPoint: k.vp,
		Bypass:         bypass,
		Endpoint:       ep,
	}, nil
}
