// Package distributed 提供分布式协调相关的子包。
//
// 子包列表：
//   - xdlock: 分布式锁，支持 Redis、Redsync、etcd 后端，自动续期
package distributed
