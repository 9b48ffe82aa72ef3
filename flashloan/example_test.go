package flashloan_test

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/michaelpento.lv/flashvault/auth"
	"github.com/michaelpento.lv/flashvault/fee"
	"github.com/michaelpento.lv/flashvault/flashloan"
	"github.com/michaelpento.lv/flashvault/ledger"
	"github.com/michaelpento.lv/flashvault/state"
	"github.com/michaelpento.lv/flashvault/store"
	"github.com/michaelpento.lv/flashvault/types"
)

func ExampleProtocol_ExecuteFlashLoan() {
	ctx := context.Background()
	mint := common.HexToAddress("0xaa")
	vault := common.HexToAddress("0x10")
	account := common.HexToAddress("0x30")

	db := store.NewMemDB()
	book := ledger.NewBook(db, nil)
	_ = book.OpenAccount(ctx, vault, mint)
	_ = book.OpenAccount(ctx, account, mint)
	_ = book.Mint(ctx, vault, 1_000_000)
	_ = book.Mint(ctx, account, 5_000)

	calc, _ := fee.NewCalculator(fee.DefaultSchedule())
	protocol, err := flashloan.New(state.NewRepository(db), book, calc, flashloan.DefaultParams(), nil)
	if err != nil {
		fmt.Println(err)
		return
	}
	if _, err := protocol.InitVault(ctx, vault, mint); err != nil {
		fmt.Println(err)
		return
	}

	key, _ := crypto.GenerateKey()
	req := types.LoanRequest{
		Vault:           vault,
		BorrowerAccount: account,
		Mint:            mint,
		Amount:          500_000,
		Expiration:      time.Now().Add(time.Minute),
	}
	_ = auth.Sign(&req, key)

	receipt, err := protocol.ExecuteFlashLoan(ctx, req, flashloan.ReceiverFunc(
		func(ctx context.Context, loan flashloan.Loan) error {
			// Use loan.Amount here, leaving loan.Repayment() in the account.
			return nil
		}))
	if err != nil {
		fmt.Println(err)
		return
	}

	vaultBalance, _ := book.BalanceOf(ctx, vault)
	accountBalance, _ := book.BalanceOf(ctx, account)
	fmt.Println("fee:", receipt.Fee)
	fmt.Println("vault:", vaultBalance)
	fmt.Println("account:", accountBalance)
	// Output:
	// fee: 3000
	// vault: 1003000
	// account: 2000
}
