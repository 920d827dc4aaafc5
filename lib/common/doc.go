// Package common holds what every part of a grid node shares: the node
// configuration (NodeConfig) with its conversion to Dragonboat configuration,
// and the custom logger factory installed for all packages.
//
// NodeConfig is filled by the CLI from flags, environment variables (DGRID_*)
// and .env files. Its String method renders the sections operators see at
// startup:
//
//	NODE IDENTITY
//	  Space                 : grid
//	  Container             : grid_container1
//	  ...
//
// InitLoggers installs the logger factory and applies the configured level to
// the Dragonboat loggers and to every dGrid package logger.
package common
