package userOperation

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	entryPoint = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
	factory    = common.HexToAddress("0xd703aaE79538628d27099B8c4f621bE4CCd142d5")
	paymaster  = common.HexToAddress("0x7Ab4Af9c2F5F6c0ab1a1f5e0aC6f0F5c9b2D3E4F")
)

func testOperation() *UserOperation {
	return &UserOperation{
		Sender:                        common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"),
		Nonce:                         big.NewInt(7),
		Factory:                       &factory,
		FactoryData:                   []byte{0xc5, 0x26, 0x5d, 0x5d},
		CallData:                      []byte{0xe9, 0xae, 0x5c, 0x53},
		CallGasLimit:                  big.NewInt(100000),
		VerificationGasLimit:          big.NewInt(200000),
		PreVerificationGas:            big.NewInt(50000),
		MaxFeePerGas:                  big.NewInt(3000000000),
		MaxPriorityFeePerGas:          big.NewInt(1000000000),
		Paymaster:                     &paymaster,
		PaymasterVerificationGasLimit: big.NewInt(30000),
		PaymasterPostOpGasLimit:       big.NewInt(10000),
		PaymasterData:                 []byte{0x01, 0x02},
		Signature:                     []byte{0xff},
	}
}

func word(v *big.Int) []byte {
	return math.U256Bytes(new(big.Int).Set(v))
}

func TestPackedFields(t *testing.T) {
	op := testOperation()

	assert.Equal(t, append(factory.Bytes(), 0xc5, 0x26, 0x5d, 0x5d), op.InitCode())

	limits := op.AccountGasLimits()
	assert.Equal(t, big.NewInt(200000), new(big.Int).SetBytes(limits[:16]))
	assert.Equal(t, big.NewInt(100000), new(big.Int).SetBytes(limits[16:]))

	fees := op.GasFees()
	assert.Equal(t, big.NewInt(1000000000), new(big.Int).SetBytes(fees[:16]))
	assert.Equal(t, big.NewInt(3000000000), new(big.Int).SetBytes(fees[16:]))

	pmd := op.PaymasterAndData()
	require.Len(t, pmd, 54)
	assert.Equal(t, paymaster.Bytes(), pmd[:20])
	assert.Equal(t, big.NewInt(30000), new(big.Int).SetBytes(pmd[20:36]))
	assert.Equal(t, big.NewInt(10000), new(big.Int).SetBytes(pmd[36:52]))
	assert.Equal(t, []byte{0x01, 0x02}, pmd[52:])

	deployed := &UserOperation{Sender: op.Sender}
	assert.Empty(t, deployed.InitCode())
	assert.Empty(t, deployed.PaymasterAndData())
}

func TestHash_MatchesWordEncoding(t *testing.T) {
	op := testOperation()
	chainID := big.NewInt(11155111)

	limits := op.AccountGasLimits()
	fees := op.GasFees()
	var packed []byte
	packed = append(packed, common.LeftPadBytes(op.Sender.Bytes(), 32)...)
	packed = append(packed, word(op.Nonce)...)
	packed = append(packed, crypto.Keccak256(op.InitCode())...)
	packed = append(packed, crypto.Keccak256(op.CallData)...)
	packed = append(packed, limits[:]...)
	packed = append(packed, word(op.PreVerificationGas)...)
	packed = append(packed, fees[:]...)
	packed = append(packed, crypto.Keccak256(op.PaymasterAndData())...)

	gotPacked, err := op.Pack()
	require.NoError(t, err)
	assert.Equal(t, packed, gotPacked)

	expected := crypto.Keccak256Hash(
		crypto.Keccak256(packed),
		common.LeftPadBytes(entryPoint.Bytes(), 32),
		word(chainID),
	)
	hash, err := op.Hash(entryPoint, chainID)
	require.NoError(t, err)
	assert.Equal(t, expected, hash)
}

func TestHash_DependsOnChainAndEntryPoint(t *testing.T) {
	op := testOperation()
	a, err := op.Hash(entryPoint, big.NewInt(11155111))
	require.NoError(t, err)
	again, err := op.Hash(entryPoint, big.NewInt(11155111))
	require.NoError(t, err)
	b, err := op.Hash(entryPoint, big.NewInt(11155420))
	require.NoError(t, err)
	c, err := op.Hash(common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"), big.NewInt(11155111))
	require.NoError(t, err)

	assert.Equal(t, a, again)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)

	op.Signature = []byte{0x01, 0x02, 0x03}
	withSig, err := op.Hash(entryPoint, big.NewInt(11155111))
	require.NoError(t, err)
	assert.Equal(t, a, withSig)
}

func TestJSON(t *testing.T) {
	op := testOperation()
	out, err := json.Marshal(op)
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &fields))
	assert.Equal(t, "0x7", fields["nonce"])
	assert.Equal(t, "0x186a0", fields["callGasLimit"])
	assert.Equal(t, "0xc5265d5d", fields["factoryData"])
	assert.Equal(t, "0x7530", fields["paymasterVerificationGasLimit"])

	var decoded UserOperation
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, op, &decoded)

	bare := &UserOperation{Sender: op.Sender}
	out, err = json.Marshal(bare)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "factory")
	assert.NotContains(t, string(out), "paymaster")
	assert.Contains(t, string(out), `"callData":"0x"`)
}

func TestCopy(t *testing.T) {
	op := testOperation()
	cp := op.Copy()
	assert.Equal(t, op, cp)

	cp.Nonce.SetInt64(99)
	cp.CallData[0] = 0x00
	assert.Equal(t, int64(7), op.Nonce.Int64())
	assert.Equal(t, byte(0xe9), op.CallData[0])
}
