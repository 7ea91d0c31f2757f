package hostnet

import (
	"bufio"
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

const (
	natFamily = "ip"
	natTable  = "kiln_nat"

	preroutingChain  = "prerouting"
	postroutingChain = "postrouting"
)

var nftCommand = func(args ...string) ([]byte, error) {
	cmd := exec.Command("nft", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("nft %s: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

func ensureNATTable() error {
	if _, err := nftCommand("add", "table", natFamily, natTable); err != nil {
		return err
	}
	chains := [...][]string{
		{"add", "chain", natFamily, natTable, preroutingChain,
			"{", "type", "nat", "hook", "prerouting", "priority", "dstnat", ";", "}"},
		{"add", "chain", natFamily, natTable, postroutingChain,
			"{", "type", "nat", "hook", "postrouting", "priority", "srcnat", ";", "}"},
	}
	for _, args := range chains {
		if _, err := nftCommand(args...); err != nil {
			return err
		}
	}
	return nil
}

// EnableNAT masquerades traffic from the guest address out of the host's
// external interface so the microVM can reach the internet.
func (m *Manager) EnableNAT(tapName, hostIface, vmIP string) error {
	if err := ensureNATTable(); err != nil {
		return err
	}

	comment := natComment(tapName)
	exists, err := ruleExists(postroutingChain, comment)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	args := []string{
		"add", "rule", natFamily, natTable, postroutingChain,
		"ip", "saddr", vmIP,
		"oifname", hostIface,
		"counter", "masquerade",
		"comment", fmt.Sprintf(`"%s"`, comment),
	}
	if _, err := nftCommand(args...); err != nil {
		return err
	}
	m.logger().Debug("NAT enabled", "tap", tapName, "vm_ip", vmIP, "iface", hostIface)
	return nil
}

// DisableNAT removes the masquerade rule installed for the given tap.
func (m *Manager) DisableNAT(tapName string) error {
	return deleteRulesByComment(postroutingChain, natComment(tapName))
}

// AddPortForward installs a TCP DNAT rule from hostIP:hostPort to
// destIP:destPort.
func (m *Manager) AddPortForward(hostIP string, hostPort int, destIP string, destPort int) error {
	if err := ensureNATTable(); err != nil {
		return err
	}

	comment := forwardComment(hostIP, hostPort, destIP, destPort)
	exists, err := ruleExists(preroutingChain, comment)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	args := []string{
		"add", "rule", natFamily, natTable, preroutingChain,
		"ip", "daddr", hostIP,
		"tcp", "dport", fmt.Sprintf("%d", hostPort),
		"counter", "dnat", "to", fmt.Sprintf("%s:%d", destIP, destPort),
		"comment", fmt.Sprintf(`"%s"`, comment),
	}
	if _, err := nftCommand(args...); err != nil {
		return err
	}
	m.logger().Debug("port forward added", "host", fmt.Sprintf("%s:%d", hostIP, hostPort), "dest", fmt.Sprintf("%s:%d", destIP, destPort))
	return nil
}

// DeletePortForward removes a previously installed DNAT rule.
func (m *Manager) DeletePortForward(hostIP string, hostPort int, destIP string, destPort int) error {
	return deleteRulesByComment(preroutingChain, forwardComment(hostIP, hostPort, destIP, destPort))
}

func natComment(tapName string) string {
	return fmt.Sprintf("nat:%s", tapName)
}

func forwardComment(hostIP string, hostPort int, destIP string, destPort int) string {
	return fmt.Sprintf("fwd:%s:%d->%s:%d", hostIP, hostPort, destIP, destPort)
}

func ruleExists(chain, comment string) (bool, error) {
	output, err := nftCommand("list", "chain", natFamily, natTable, chain)
	if err != nil {
		return false, err
	}
	needle := []byte(fmt.Sprintf(`comment "%s"`, comment))
	return bytes.Contains(output, needle), nil
}

func deleteRulesByComment(chain, comment string) error {
	handles, err := ruleHandles(chain, comment)
	if err != nil {
		return err
	}
	for _, handle := range handles {
		if _, err := nftCommand("delete", "rule", natFamily, natTable, chain, "handle", handle); err != nil {
			return err
		}
	}
	return nil
}

func ruleHandles(chain, comment string) ([]string, error) {
	output, err := nftCommand("-a", "list", "chain", natFamily, natTable, chain)
	if err != nil {
		return nil, err
	}

	var handles []string
	needle := fmt.Sprintf(`comment "%s"`, comment)
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, needle) {
			continue
		}
		fields := strings.Fields(line)
		for i := 0; i < len(fields); i++ {
			if fields[i] == "handle" && i+1 < len(fields) {
				handles = append(handles, strings.Trim(fields[i+1], ";"))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return handles, nil
}
