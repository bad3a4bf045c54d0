package debug

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/peterh/liner"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hitzhangjie/gounwind/pkg/regs"
	"github.com/hitzhangjie/gounwind/pkg/target"
	"github.com/hitzhangjie/gounwind/pkg/unwind"
)

const (
	cmdGroupAnnotation = "cmd_group_annotation"

	cmdGroupStack  = "1-stack"
	cmdGroupInfo   = "2-info"
	cmdGroupOthers = "3-other"
	cmdGroupCobra  = "other"

	cmdGroupDelimiter = "-"

	prefix    = "gounwind> "
	descShort = "gounwind interactive commands"
)

var debugRootCmd = &cobra.Command{
	Use:   "help [command]",
	Short: descShort,
}

var (
	CurrentSession *DebugSession
)

// DebugSession 交互式会话，查看被跟踪进程各线程的调用栈
type DebugSession struct {
	done   chan bool
	prefix string
	root   *cobra.Command
	liner  *liner.State
	last   string

	defers []func()

	process *target.Process
	opts    target.BacktraceOptions

	tid   int                      // 当前线程
	frame int                      // 当前栈帧
	start map[int]*regs.Regs       // 各线程展开的起始寄存器，setreg可修改
	stack map[int]*unwind.Unwinder // 各线程展开结果
}

// NewDebugSession 创建一个交互管理器，初始线程为进程的主线程
func NewDebugSession(p *target.Process, opts target.BacktraceOptions) *DebugSession {

	fn := func(cmd *cobra.Command, args []string) {
		// 描述信息
		fmt.Println(cmd.Short)
		fmt.Println()

		// 使用信息
		fmt.Println(cmd.Use)
		fmt.Println(cmd.Flags().FlagUsages())

		// 命令分组
		usage := helpMessageByGroups(cmd)
		fmt.Println(usage)
	}
	debugRootCmd.SetHelpFunc(fn)

	return &DebugSession{
		done:    make(chan bool),
		prefix:  prefix,
		root:    debugRootCmd,
		liner:   liner.NewLiner(),
		last:    "",
		process: p,
		opts:    opts,
		tid:     p.Pid,
		start:   map[int]*regs.Regs{},
		stack:   map[int]*unwind.Unwinder{},
	}
}

func (s *DebugSession) Start() {
	s.liner.SetCompleter(completer)
	s.liner.SetTabCompletionStyle(liner.TabPrints)
	s.liner.SetCtrlCAborts(true)

	defer func() {
		for idx := len(s.defers) - 1; idx >= 0; idx-- {
			s.defers[idx]()
		}
	}()

	fmt.Printf("attached to %d (%s), %d threads\n", s.process.Pid, s.process.Command, len(s.process.Threads()))

	for {
		select {
		case <-s.done:
			s.liner.Close()
			return
		default:
		}

		txt, err := s.liner.Prompt(s.prefix)
		if err != nil {
			// ctrl-d or ctrl-c ends the session
			if err == io.EOF || err == liner.ErrPromptAborted {
				s.liner.Close()
				return
			}
			panic(err)
		}

		txt = strings.TrimSpace(txt)
		if len(txt) != 0 {
			s.last = txt
			s.liner.AppendHistory(txt)
		} else {
			txt = s.last
		}
		if len(txt) == 0 {
			continue
		}

		s.root.SetArgs(strings.Fields(txt))
		s.root.Execute()
	}
}

func (s *DebugSession) AtExit(fn func()) *DebugSession {
	s.defers = append(s.defers, fn)
	return s
}

func (s *DebugSession) Stop() {
	close(s.done)
}

// regs returns the registers the stack of tid is unwound from.
func (s *DebugSession) regs(tid int) (*regs.Regs, error) {
	if r, ok := s.start[tid]; ok {
		return r, nil
	}
	th, err := s.process.Thread(tid)
	if err != nil {
		return nil, err
	}
	r, err := th.Regs()
	if err != nil {
		return nil, err
	}
	s.start[tid] = r
	return r, nil
}

// backtrace returns the unwind of tid, unwinding it on first use.
func (s *DebugSession) backtrace(tid int) (*unwind.Unwinder, error) {
	if u, ok := s.stack[tid]; ok {
		return u, nil
	}
	r, err := s.regs(tid)
	if err != nil {
		return nil, err
	}
	// the unwinder moves the registers it is given
	u := unwind.New(s.opts.MaxFrames, s.process.Maps(), r.Clone(), s.process.Memory())
	u.SetResolveNames(s.opts.ResolveNames)
	u.Unwind(s.opts.SkipLibraries, s.opts.SkipSuffixes)
	s.stack[tid] = u
	return u, nil
}

// currentFrame returns the selected frame of the current thread.
func (s *DebugSession) currentFrame() (*unwind.Frame, error) {
	u, err := s.backtrace(s.tid)
	if err != nil {
		return nil, err
	}
	if s.frame >= u.NumFrames() {
		return nil, errors.Errorf("frame %d not existed, thread %d has %d frames", s.frame, s.tid, u.NumFrames())
	}
	return &u.Frames()[s.frame], nil
}

// invalidate drops the unwind of tid so that it is redone.
func (s *DebugSession) invalidate(tid int) {
	delete(s.stack, tid)
}

func completer(line string) []string {
	cmds := []string{}
	for _, c := range debugRootCmd.Commands() {
		// complete cmd
		if strings.HasPrefix(c.Use, line) {
			cmds = append(cmds, strings.Split(c.Use, " ")[0])
		}
		// complete cmd's aliases
		for _, alias := range c.Aliases {
			if strings.HasPrefix(alias, line) {
				cmds = append(cmds, alias)
			}
		}
	}
	return cmds
}

// helpMessageByGroups 将各个命令按照分组归类，再展示帮助信息
func helpMessageByGroups(cmd *cobra.Command) string {

	// key:group, val:sorted commands in same group
	groups := map[string][]string{}
	for _, c := range cmd.Commands() {
		// 如果没有指定命令分组，放入other组
		groupName, ok := c.Annotations[cmdGroupAnnotation]
		if !ok {
			groupName = cmdGroupCobra
		}

		groupCmds := append(groups[groupName], fmt.Sprintf("  %-16s:%s", c.Name(), c.Short))
		sort.Strings(groupCmds)

		groups[groupName] = groupCmds
	}

	if len(groups[cmdGroupCobra]) != 0 {
		groups[cmdGroupOthers] = append(groups[cmdGroupOthers], groups[cmdGroupCobra]...)
	}
	delete(groups, cmdGroupCobra)

	// 按照分组名进行排序
	groupNames := []string{}
	for k := range groups {
		groupNames = append(groupNames, k)
	}
	sort.Strings(groupNames)

	// 按照group分组，并对组内命令进行排序
	buf := bytes.Buffer{}
	for _, groupName := range groupNames {
		commands := groups[groupName]

		group := strings.Split(groupName, cmdGroupDelimiter)[1]
		buf.WriteString(fmt.Sprintf("- [%s]\n", group))

		for _, cmd := range commands {
			buf.WriteString(fmt.Sprintf("%s\n", cmd))
		}
		buf.WriteString("\n")
	}
	return buf.String()
}
