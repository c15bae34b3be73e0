/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
dataplane-discover - Dataplane Endpoint Discovery Tool

Browses the local network with mDNS for dataplane processes advertising
their endpoints and prints the endpoint strings, which can be passed
straight to a connect.

Usage:

	dataplane-discover                    # Browse for 3 seconds
	dataplane-discover -timeout 10        # Custom timeout in seconds
	dataplane-discover -protocol ocpi-udp-rdma
	dataplane-discover -json              # Output as JSON
	dataplane-discover -quiet             # Only endpoint strings, one per line
*/
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"dataplane/internal/banner"
	"dataplane/internal/config"
	"dataplane/internal/discovery"
	"dataplane/pkg/cli"
)

func main() {
	timeout := flag.Int("timeout", 3, "Discovery timeout in seconds")
	service := flag.String("service", discovery.ServiceType, "mDNS service type")
	protocol := flag.String("protocol", "", "Only show endpoints of this protocol")
	jsonOutput := flag.Bool("json", false, "Output as JSON")
	quiet := flag.Bool("quiet", false, "Only output endpoint strings (for scripting)")
	version := flag.Bool("version", false, "Show version information")
	flag.BoolVar(quiet, "q", false, "Only output endpoint strings (for scripting)")
	flag.BoolVar(version, "v", false, "Show version information")
	flag.Usage = printUsage
	flag.Parse()

	if *version {
		banner.PrintTo(os.Stdout, "Dataplane Discover", banner.Copyright)
		return
	}

	// The mDNS client logs IPv6 failures that do not affect IPv4 browsing.
	log.SetOutput(io.Discard)

	interactive := !*quiet && !*jsonOutput
	if interactive {
		banner.PrintTo(os.Stdout, "Dataplane Discover", "Endpoint discovery")
		cli.Info("Browsing %s (timeout: %ds)...", *service, *timeout)
		fmt.Println()
	}

	svc := discovery.New(discovery.Config{Service: *service})
	wait := time.Duration(*timeout) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), wait+time.Second)
	defer cancel()
	found, err := svc.Discover(ctx, wait)
	if err != nil {
		if !*quiet {
			cli.Error("Discovery failed: %v", err)
		}
		os.Exit(1)
	}
	found = filter(found, *protocol)

	switch {
	case *jsonOutput:
		outputJSON(os.Stdout, found)
	case *quiet:
		outputQuiet(os.Stdout, found)
	case len(found) == 0:
		cli.Warning("No dataplane endpoints found on the network.")
		fmt.Println()
		cli.Header("TROUBLESHOOTING")
		cli.Hint("Processes must run with %s=true", config.EnvDiscovery)
		cli.Hint("mDNS needs UDP port 5353 open between hosts")
		cli.Hint("Try a longer -timeout")
		fmt.Println()
	default:
		outputHuman(found)
	}
}

func printUsage() {
	banner.PrintTo(os.Stdout, "Dataplane Discover", "Endpoint discovery")
	fmt.Println(cli.Bold + "Usage:" + cli.Reset + " dataplane-discover [options]")
	fmt.Println()
	cli.Header("OPTIONS")
	fmt.Println("    -timeout <seconds>   Discovery timeout (default: 3)")
	fmt.Println("    -service <type>      mDNS service type (default: " + discovery.ServiceType + ")")
	fmt.Println("    -protocol <name>     Only show endpoints of one protocol")
	fmt.Println("    -json                Output results as JSON")
	fmt.Println("    -quiet, -q           Only output endpoint strings")
	fmt.Println("    -version, -v         Show version information")
	fmt.Println()
	cli.Header("EXAMPLES")
	fmt.Println("    # Endpoints for a script")
	fmt.Println("    PEERS=$(dataplane-discover -quiet -protocol ocpi-udp-rdma)")
	fmt.Println()
}

func filter(found []discovery.DiscoveredEndpoint, protocol string) []discovery.DiscoveredEndpoint {
	if protocol == "" {
		return found
	}
	out := found[:0]
	for _, d := range found {
		if d.Protocol == protocol {
			out = append(out, d)
		}
	}
	return out
}

func outputJSON(w io.Writer, found []discovery.DiscoveredEndpoint) {
	type endpointOutput struct {
		Endpoint string `json:"endpoint"`
		Protocol string `json:"protocol"`
		Mailbox  uint16 `json:"mailbox"`
		Instance string `json:"instance"`
		Host     string `json:"host,omitempty"`
		Port     int    `json:"port,omitempty"`
	}
	out := make([]endpointOutput, len(found))
	for i, d := range found {
		out[i] = endpointOutput{
			Endpoint: d.Name,
			Protocol: d.Protocol,
			Mailbox:  d.Mailbox,
			Instance: d.Instance,
			Host:     d.Host,
			Port:     d.Port,
		}
	}
	data, _ := json.MarshalIndent(out, "", "  ")
	fmt.Fprintln(w, string(data))
}

func outputQuiet(w io.Writer, found []discovery.DiscoveredEndpoint) {
	for _, d := range found {
		fmt.Fprintln(w, d.Name)
	}
}

func outputHuman(found []discovery.DiscoveredEndpoint) {
	cli.Success("Found %d endpoint(s)", len(found))
	fmt.Println()
	rows := make([][]string, len(found))
	for i, d := range found {
		rows[i] = []string{d.Instance, d.Protocol, fmt.Sprint(d.Mailbox), d.Host, d.Name}
	}
	cli.Table([]string{"INSTANCE", "PROTOCOL", "MAILBOX", "HOST", "ENDPOINT"}, rows)
	fmt.Println()
	cli.Hint("Use -json for machine-readable output")
	fmt.Println()
}
