package userop

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// AccountABI covers the execution entry points of a SimpleAccount-style
// smart account.
const AccountABI = `[
	{"type":"function","name":"execute","inputs":[
		{"name":"dest","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"func","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"executeBatch","inputs":[
		{"name":"dest","type":"address[]"},
		{"name":"value","type":"uint256[]"},
		{"name":"func","type":"bytes[]"}],"outputs":[]}
]`

var accountABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(AccountABI))
	if err != nil {
		panic(fmt.Sprintf("userop: parse account abi: %v", err))
	}
	return parsed
}()

// Call is one inner call executed by the smart account.
type Call struct {
	Target common.Address `json:"target"`
	Value  *big.Int       `json:"value"`
	Data   []byte         `json:"data"`
}

// EncodeExecute builds execute(dest, value, func) calldata.
func EncodeExecute(target common.Address, value *big.Int, data []byte) ([]byte, error) {
	if data == nil {
		data = []byte{}
	}
	return accountABI.Pack("execute", target, orZero(value), data)
}

// EncodeExecuteBatch builds executeBatch(dest[], value[], func[]) calldata.
func EncodeExecuteBatch(calls []Call) ([]byte, error) {
	if len(calls) == 0 {
		return nil, errors.New("userop: empty batch")
	}
	targets := make([]common.Address, len(calls))
	values := make([]*big.Int, len(calls))
	datas := make([][]byte, len(calls))
	for i, c := range calls {
		targets[i] = c.Target
		values[i] = orZero(c.Value)
		datas[i] = c.Data
		if datas[i] == nil {
			datas[i] = []byte{}
		}
	}
	return accountABI.Pack("executeBatch", targets, values, datas)
}

// EncodeCalls picks execute for a single call and executeBatch otherwise.
func EncodeCalls(calls []Call) ([]byte, error) {
	if len(calls) == 1 {
		return EncodeExecute(calls[0].Target, calls[0].Value, calls[0].Data)
	}
	return EncodeExecuteBatch(calls)
}

// DecodeCalls reverses EncodeCalls.
func DecodeCalls(calldata []byte) ([]Call, error) {
	if len(calldata) < 4 {
		return nil, errors.New("userop: calldata too short")
	}
	method, err := accountABI.MethodById(calldata[:4])
	if err != nil {
		return nil, err
	}
	values, err := method.Inputs.Unpack(calldata[4:])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "execute":
		return []Call{{
			Target: values[0].(common.Address),
			Value:  values[1].(*big.Int),
			Data:   values[2].([]byte),
		}}, nil
	default:
		targets := values[0].([]common.Address)
		amounts := values[1].([]*big.Int)
		datas := values[2].([][]byte)
		if len(targets) != len(amounts) || len(targets) != len(datas) {
			return nil, errors.New("userop: batch length mismatch")
		}
		calls := make([]Call, len(targets))
		for i := range targets {
			calls[i] = Call{Target: targets[i], Value: amounts[i], Data: datas[i]}
		}
		return calls, nil
	}
}
