package tasks

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cyris-project/cyris/pkg/log"
	"github.com/cyris-project/cyris/pkg/metrics"
	"github.com/cyris-project/cyris/pkg/sshexec"
	"github.com/cyris-project/cyris/pkg/types"
)

// Runner executes post-boot customization tasks inside cloned guests
// over SSH and verifies each one left the declared state behind.
type Runner struct {
	ssh    *sshexec.Executor
	logger zerolog.Logger
}

// New creates a task runner.
func New(ssh *sshexec.Executor) *Runner {
	return &Runner{ssh: ssh, logger: log.WithComponent("tasks")}
}

// FatalFailure marks a task failure that must abort range creation.
type FatalFailure struct {
	Result types.TaskResult
}

func (e *FatalFailure) Error() string {
	return fmt.Sprintf("fatal task %s failed on %s: %s", e.Result.TaskID, e.Result.VMName, e.Result.Error)
}

// RunAll executes tasks against one guest in declared order. A non-fatal
// failure is recorded and execution continues; a fatal one stops the
// sequence and surfaces as a FatalFailure error.
func (r *Runner) RunAll(ctx context.Context, target sshexec.Target, vmName string, tasks []types.Task) ([]types.TaskResult, error) {
	var results []types.TaskResult
	for _, task := range tasks {
		res := r.Run(ctx, target, vmName, task)
		results = append(results, res)

		outcome := "success"
		if res.Skipped {
			outcome = "skipped"
		} else if !res.Success {
			outcome = "failure"
		}
		metrics.TaskResultsTotal.WithLabelValues(string(task.Type), outcome).Inc()

		if !res.Success && !res.Skipped && task.Fatal {
			return results, &FatalFailure{Result: res}
		}
	}
	return results, nil
}

// Run executes a single task and returns its result with verification
// evidence. Never returns an error; failures live in the result.
// Commands of a non-fatal task are recorded as ignorable so a failed
// task shows up in the ledger without flipping the range's aggregated
// creation result.
func (r *Runner) Run(ctx context.Context, target sshexec.Target, vmName string, task types.Task) types.TaskResult {
	if !task.Fatal {
		ctx = sshexec.WithIgnoreErrors(ctx)
	}
	res := types.TaskResult{
		TaskID:    task.ID,
		TaskType:  task.Type,
		VMName:    vmName,
		VMIP:      target.Host,
		Timestamp: time.Now(),
	}
	start := time.Now()
	defer func() { res.Elapsed = time.Since(start) }()

	var err error
	switch task.Type {
	case types.TaskAddAccount:
		err = r.addAccount(ctx, target, task, &res)
	case types.TaskModifyAccount:
		err = r.modifyAccount(ctx, target, task, &res)
	case types.TaskInstallPackage:
		err = r.installPackage(ctx, target, task, &res)
	case types.TaskCopyContent:
		err = r.copyContent(ctx, target, task, &res)
	case types.TaskExecuteProgram:
		err = r.executeProgram(ctx, target, task, &res)
	case types.TaskEmulateAttack:
		err = r.emulateAttack(ctx, target, task, &res)
	case types.TaskEmulateMalware:
		err = r.emulateMalware(ctx, target, task, &res)
	case types.TaskEmulateTraffic:
		err = r.emulateTraffic(ctx, target, task, &res)
	case types.TaskFirewallRules:
		err = r.firewallRules(ctx, target, task, &res)
	default:
		err = fmt.Errorf("unknown task type %q", task.Type)
	}

	if err != nil {
		res.Success = false
		res.Error = err.Error()
		r.logger.Warn().Str("vm", vmName).Str("task", task.ID).Err(err).Msg("task failed")
	} else if !res.Skipped {
		res.Success = true
	}
	return res
}

// run is the common SSH step: execute, keep output, fail on exit != 0.
func (r *Runner) run(ctx context.Context, target sshexec.Target, res *types.TaskResult, cmd string, sudo bool) (string, error) {
	out := r.ssh.Execute(ctx, target, cmd, sudo)
	res.Output = strings.TrimSpace(out.Stdout)
	if out.Err != nil {
		return out.Stdout, fmt.Errorf("%s: %w", firstLine(out.Stderr), out.Err)
	}
	if out.ExitCode != 0 {
		return out.Stdout, fmt.Errorf("exit %d: %s", out.ExitCode, firstLine(out.Stderr))
	}
	return out.Stdout, nil
}

// verify records evidence from a read-only probe. A failed probe flips
// VerificationPassed, not Success: the mutation may still have landed.
func (r *Runner) verify(ctx context.Context, target sshexec.Target, res *types.TaskResult, probe string) {
	out := r.ssh.Execute(ctx, target, probe, true)
	res.Evidence = strings.TrimSpace(out.Stdout)
	res.VerificationPassed = out.Err == nil && out.ExitCode == 0
}

func (r *Runner) addAccount(ctx context.Context, target sshexec.Target, task types.Task, res *types.TaskResult) error {
	// Idempotent: an existing account is a skip, not a failure.
	check := r.ssh.Execute(ctx, target, "id -u "+shellArg(task.Account), true)
	if check.Err == nil && check.ExitCode == 0 {
		res.Skipped = true
		res.Success = true
		res.Message = fmt.Sprintf("account %s already exists", task.Account)
		r.verify(ctx, target, res, "getent passwd "+shellArg(task.Account))
		return nil
	}

	cmd := "useradd -m -s /bin/bash"
	if task.FullName != "" {
		cmd += " -c " + shellArg(task.FullName)
	}
	if task.Groups != "" {
		cmd += " -G " + shellArg(task.Groups)
	}
	cmd += " " + shellArg(task.Account)
	if _, err := r.run(ctx, target, res, cmd, true); err != nil {
		return err
	}
	if _, err := r.run(ctx, target, res,
		fmt.Sprintf("echo %s | chpasswd", shellArg(task.Account+":"+task.Passwd)), true); err != nil {
		return err
	}
	if task.Sudo {
		if _, err := r.run(ctx, target, res,
			fmt.Sprintf("usermod -aG sudo %[1]s 2>/dev/null || usermod -aG wheel %[1]s", shellArg(task.Account)), true); err != nil {
			return err
		}
	}
	r.verify(ctx, target, res, "getent passwd "+shellArg(task.Account))
	return nil
}

func (r *Runner) modifyAccount(ctx context.Context, target sshexec.Target, task types.Task, res *types.TaskResult) error {
	account := task.Account
	if task.NewPasswd != "" {
		if _, err := r.run(ctx, target, res,
			fmt.Sprintf("echo %s | chpasswd", shellArg(account+":"+task.NewPasswd)), true); err != nil {
			return err
		}
	}
	if task.NewAccount != "" {
		cmd := fmt.Sprintf("usermod -l %[2]s -d /home/%[2]s -m %[1]s",
			shellArg(account), shellArg(task.NewAccount))
		if _, err := r.run(ctx, target, res, cmd, true); err != nil {
			return err
		}
		account = task.NewAccount
	}
	r.verify(ctx, target, res, "getent passwd "+shellArg(account))
	return nil
}

// pkgManagers maps a manager to its non-interactive install command.
var pkgManagers = map[string]string{
	"apt": "DEBIAN_FRONTEND=noninteractive apt-get install -y",
	"yum": "yum install -y",
	"dnf": "dnf install -y",
}

func (r *Runner) installPackage(ctx context.Context, target sshexec.Target, task types.Task, res *types.TaskResult) error {
	mgr := task.PackageManager
	if mgr == "" {
		// Probe for the native manager.
		out := r.ssh.Execute(ctx, target,
			"command -v apt-get >/dev/null && echo apt || { command -v dnf >/dev/null && echo dnf || echo yum; }", false)
		mgr = strings.TrimSpace(out.Stdout)
	}
	install, ok := pkgManagers[mgr]
	if !ok {
		return fmt.Errorf("unsupported package manager %q", mgr)
	}

	pkg := task.Name
	if task.Version != "" {
		if mgr == "apt" {
			pkg += "=" + task.Version
		} else {
			pkg += "-" + task.Version
		}
	}
	if _, err := r.run(ctx, target, res, install+" "+shellArg(pkg), true); err != nil {
		return err
	}

	if mgr == "apt" {
		r.verify(ctx, target, res, "dpkg -s "+shellArg(task.Name))
	} else {
		r.verify(ctx, target, res, "rpm -q "+shellArg(task.Name))
	}
	return nil
}

func (r *Runner) copyContent(ctx context.Context, target sshexec.Target, task types.Task, res *types.TaskResult) error {
	if err := r.ssh.Put(ctx, target, task.Src, task.Dst); err != nil {
		return err
	}
	if task.Checksum != "" {
		probe := fmt.Sprintf("echo %s %s | sha256sum -c -", task.Checksum, shellArg(task.Dst))
		r.verify(ctx, target, res, probe)
		if !res.VerificationPassed {
			return fmt.Errorf("checksum mismatch on %s", task.Dst)
		}
	} else {
		r.verify(ctx, target, res, "stat -c '%s %n' "+shellArg(task.Dst))
	}
	return nil
}

func (r *Runner) executeProgram(ctx context.Context, target sshexec.Target, task types.Task, res *types.TaskResult) error {
	cmd := task.Program
	if task.Interpreter != "" {
		cmd = task.Interpreter + " " + task.Program
	}
	if task.Args != "" {
		cmd += " " + task.Args
	}
	sudo := true
	if task.ExecuteAs != "" {
		cmd = fmt.Sprintf("su - %s -c %s", shellArg(task.ExecuteAs), shellArg(cmd))
	}

	out, err := r.run(ctx, target, res, cmd, sudo)
	if err != nil {
		return err
	}
	if task.OutputMatch != "" {
		re, err := regexp.Compile(task.OutputMatch)
		if err != nil {
			return fmt.Errorf("bad output_match pattern: %w", err)
		}
		if !re.MatchString(out) {
			return fmt.Errorf("output did not match %q", task.OutputMatch)
		}
		res.Evidence = re.FindString(out)
		res.VerificationPassed = true
	} else {
		res.Evidence = firstLine(out)
		res.VerificationPassed = true
	}
	return nil
}

func (r *Runner) emulateAttack(ctx context.Context, target sshexec.Target, task types.Task, res *types.TaskResult) error {
	if task.AttackType != "ssh_attack" {
		return fmt.Errorf("unsupported attack_type %q", task.AttackType)
	}
	attempts := task.Attempts
	if attempts <= 0 {
		attempts = 10
	}
	// Failed logins against the in-range target; evidence is the auth
	// log growth, not the attack output.
	cmd := fmt.Sprintf(
		"for i in $(seq 1 %d); do "+
			"sshpass -p wrongpass ssh -o StrictHostKeyChecking=no -o ConnectTimeout=3 attacker@%s true 2>/dev/null; "+
			"done; true", attempts, task.Target)
	if _, err := r.run(ctx, target, res, cmd, false); err != nil {
		return err
	}
	res.Message = fmt.Sprintf("%d failed ssh logins against %s", attempts, task.Target)
	// The attack leaves rejected-auth lines in the local auth log when the
	// target is this guest; an empty scan fails the verification.
	r.verify(ctx, target, res,
		`last=$(grep -hs 'Failed password' /var/log/auth.log /var/log/secure | tail -n 1); [ -n "$last" ] && echo "$last"`)
	return nil
}

func (r *Runner) emulateMalware(ctx context.Context, target sshexec.Target, task types.Task, res *types.TaskResult) error {
	var script string
	switch task.Mode {
	case "dummy_calculation":
		script = `nohup sh -c 'while true; do :; done' >/dev/null 2>&1 & echo $! > /var/run/cyris-malware.pid`
	case "port_listening":
		script = `nohup nc -lk -p 8715 >/dev/null 2>&1 & echo $! > /var/run/cyris-malware.pid`
	default:
		return fmt.Errorf("unsupported malware mode %q", task.Mode)
	}
	if _, err := r.run(ctx, target, res, script, true); err != nil {
		return err
	}
	r.verify(ctx, target, res, "kill -0 $(cat /var/run/cyris-malware.pid)")
	if !res.VerificationPassed {
		return fmt.Errorf("malware process not running after launch")
	}
	return nil
}

func (r *Runner) emulateTraffic(ctx context.Context, target sshexec.Target, task types.Task, res *types.TaskResult) error {
	remote := "/tmp/" + baseName(task.PcapFile)
	if err := r.ssh.Put(ctx, target, task.PcapFile, remote); err != nil {
		return err
	}
	iface := task.Interface
	if iface == "" {
		iface = "eth0"
	}
	counter := "/sys/class/net/" + iface + "/statistics/tx_packets"
	before := strings.TrimSpace(r.ssh.Execute(ctx, target, "cat "+shellArg(counter), true).Stdout)
	if before == "" {
		before = "0"
	}
	if _, err := r.run(ctx, target, res,
		fmt.Sprintf("tcpreplay --intf1=%s %s", shellArg(iface), shellArg(remote)), true); err != nil {
		return err
	}
	res.Message = fmt.Sprintf("replayed %s on %s", baseName(task.PcapFile), iface)
	// A replay must advance the interface's transmit counter.
	r.verify(ctx, target, res, fmt.Sprintf(
		`after=$(cat %s); [ "$after" -gt "%s" ] && echo "tx_packets %s -> $after"`,
		shellArg(counter), firstLine(before), firstLine(before)))
	return nil
}

func (r *Runner) firewallRules(ctx context.Context, target sshexec.Target, task types.Task, res *types.TaskResult) error {
	if task.RuleFile != "" {
		remote := "/tmp/" + baseName(task.RuleFile)
		if err := r.ssh.Put(ctx, target, task.RuleFile, remote); err != nil {
			return err
		}
		if _, err := r.run(ctx, target, res, "iptables-restore < "+shellArg(remote), true); err != nil {
			return err
		}
		// The installed ruleset must contain the file's first rule line.
		if rule := firstRuleLine(task.RuleFile); rule != "" {
			r.verify(ctx, target, res, "iptables -S | grep -F -- "+shellArg(rule))
			return nil
		}
		r.verify(ctx, target, res, "iptables -S | grep -q -- '-A'")
		return nil
	}
	if _, err := r.run(ctx, target, res, "systemctl start firewalld || service iptables start", true); err != nil {
		return err
	}
	r.verify(ctx, target, res, "systemctl is-active firewalld || service iptables status")
	return nil
}

// firstRuleLine returns the first append rule in a local iptables-save
// file, the line verification greps for after the restore.
func firstRuleLine(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "-A ") {
			return line
		}
	}
	return ""
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// shellArg single-quotes one argument for the remote shell.
func shellArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
