package proofs

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os/exec"
	"strings"
	"time"
)

// ExitConstraintViolation 是外部证明程序报告约束不满足时使用的退出码。
const ExitConstraintViolation = 3

// ProcessBackend 通过外部证明程序完成 execute 与 prove，
// 输入通过标准输入以 JSON 传入，结果从标准输出读取。
type ProcessBackend struct {
	executable string
	args       []string
	workingDir string
	timeout    time.Duration
}

// NewProcessBackend 创建外部证明后端。
func NewProcessBackend(executable string, args []string, workingDir string, timeout time.Duration) (*ProcessBackend, error) {
	if strings.TrimSpace(executable) == "" {
		return nil, errors.New("未指定证明程序路径")
	}
	return &ProcessBackend{
		executable: executable,
		args:       append([]string(nil), args...),
		workingDir: workingDir,
		timeout:    timeout,
	}, nil
}

// Name 返回后端名称。
func (b *ProcessBackend) Name() string { return "process" }

type executeResponse struct {
	Witness string `json:"witness"`
}

type proveResponse struct {
	Proof        string `json:"proof"`
	PublicInputs struct {
		PolicySatisfied bool   `json:"policySatisfied"`
		Nullifier       string `json:"nullifier"`
		UserAddressHash string `json:"userAddressHash"`
	} `json:"publicInputs"`
}

// Execute 运行 `<executable> execute`，退出码 3 表示约束不满足。
func (b *ProcessBackend) Execute(ctx context.Context, in *CircuitInputs) (*Witness, error) {
	if in == nil {
		return nil, BackendError(errors.New("nil inputs"), "malformed circuit inputs")
	}
	var resp executeResponse
	if err := b.invoke(ctx, "execute", in.Encode(), &resp); err != nil {
		return nil, err
	}
	data, err := decodeHex(resp.Witness)
	if err != nil || len(data) == 0 {
		return nil, BackendError(fmt.Errorf("witness: %v", err), "解析证明程序输出失败")
	}
	return &Witness{Inputs: in, Data: data}, nil
}

// Prove 运行 `<executable> prove`。
func (b *ProcessBackend) Prove(ctx context.Context, w *Witness, opts ProveOptions) (*Proof, error) {
	if w == nil || len(w.Data) == 0 {
		return nil, BackendError(errors.New("empty witness"), "malformed witness")
	}
	payload := map[string]any{
		"witness": "0x" + hex.EncodeToString(w.Data),
		"keccak":  opts.Keccak,
	}
	var resp proveResponse
	if err := b.invoke(ctx, "prove", payload, &resp); err != nil {
		return nil, err
	}
	proof, err := decodeHex(resp.Proof)
	if err != nil || len(proof) == 0 {
		return nil, BackendError(fmt.Errorf("proof: %v", err), "解析证明程序输出失败")
	}
	nullifier, ok1 := parseField(resp.PublicInputs.Nullifier)
	userHash, ok2 := parseField(resp.PublicInputs.UserAddressHash)
	if !ok1 || !ok2 {
		return nil, BackendError(errors.New("public inputs"), "解析证明程序输出失败")
	}
	return &Proof{
		Data: proof,
		PublicInputs: PublicInputs{
			PolicySatisfied: resp.PublicInputs.PolicySatisfied,
			Nullifier:       nullifier,
			UserAddressHash: userHash,
		},
	}, nil
}

func (b *ProcessBackend) invoke(ctx context.Context, step string, payload any, out any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return BackendError(err, "序列化请求失败")
	}
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	args := append(append([]string(nil), b.args...), step)
	command := exec.CommandContext(ctx, b.executable, args...)
	if b.workingDir != "" {
		command.Dir = b.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == ExitConstraintViolation {
			return ConstraintError("%s", firstLine(stderr.String(), "constraint not satisfied"))
		}
		return BackendError(err, fmt.Sprintf("执行证明程序 %s 失败, stderr=%s", step, strings.TrimSpace(stderr.String())))
	}
	if err := json.Unmarshal(stdout.Bytes(), out); err != nil {
		return BackendError(err, "解析证明程序输出失败")
	}
	return nil
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
}

func parseField(s string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 0)
	if !ok || !InField(v) {
		return nil, false
	}
	return v, true
}

func firstLine(s, fallback string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	line, _, _ := strings.Cut(s, "\n")
	return line
}
