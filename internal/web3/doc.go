// Package web3 定义链客户端抽象：余额与 Gas 查询、交易广播与确认，
// 以及权限注册表合约的读写入口。
package web3
